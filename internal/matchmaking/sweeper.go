package matchmaking

import (
	"context"
	"sync"
	"time"

	"telegram-coinflip/internal/models"
)

const expireTimeout = 30 * time.Second

// Sweeper 房间过期管理：每个房间一个定时器，另有定期扫描兜底（重启后的旧房间、丢失的定时器）
type Sweeper struct {
	svc      *Service
	interval time.Duration

	timerMutex sync.Mutex
	timers     map[string]*time.Timer
	stopped    bool
}

// NewSweeper 创建并挂到 Service 上，需在对外服务前调用
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	sw := &Sweeper{
		svc:      svc,
		interval: interval,
		timers:   make(map[string]*time.Timer),
	}
	svc.watcher = sw
	return sw
}

// Watch 在房间到期时触发过期处理
func (sw *Sweeper) Watch(room *models.Room) {
	sw.timerMutex.Lock()
	defer sw.timerMutex.Unlock()

	if sw.stopped {
		return
	}
	if existing, ok := sw.timers[room.Code]; ok {
		existing.Stop()
	}
	code := room.Code
	sw.timers[code] = time.AfterFunc(time.Until(room.ExpiresAt), func() {
		sw.fire(code)
	})
}

// Forget 房间已满员或关闭，取消定时器
func (sw *Sweeper) Forget(code string) {
	sw.timerMutex.Lock()
	defer sw.timerMutex.Unlock()

	if timer, ok := sw.timers[code]; ok {
		timer.Stop()
		delete(sw.timers, code)
	}
}

func (sw *Sweeper) fire(code string) {
	sw.timerMutex.Lock()
	delete(sw.timers, code)
	sw.timerMutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()
	if _, err := sw.svc.ExpireRoom(ctx, code); err != nil {
		sw.svc.logger.ErrorWithContext("MATCH", "房间 %s 到期处理失败，等待定期扫描: %v", code, err)
	}
}

// Sweep 过期所有已到期仍在等待的房间，并清理超时的匹配票与过期的限频记录
func (sw *Sweeper) Sweep(ctx context.Context) (int, error) {
	if pruned := sw.svc.queue.Prune(sw.svc.queue.now()); pruned > 0 {
		sw.svc.metrics.QueueWaiting.Set(float64(sw.svc.queue.Len()))
		sw.svc.logger.InfoWithContext("MATCH", "清理 %d 张超时匹配票", pruned)
	}
	if removed := sw.svc.validator.CleanupOldRecords(); removed > 0 {
		sw.svc.logger.DebugWithContext("MATCH", "清理 %d 条限频记录", removed)
	}

	rooms, err := sw.svc.db.ListExpiredRooms(ctx, sw.svc.now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, room := range rooms {
		ok, err := sw.svc.ExpireRoom(ctx, room.Code)
		if err != nil {
			sw.svc.logger.ErrorWithContext("MATCH", "房间 %s 过期处理失败: %v", room.Code, err)
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		sw.svc.logger.InfoWithContext("MATCH", "定期清理完成，过期 %d 个房间", expired)
	}
	return expired, nil
}

// Run 定期扫描直到 ctx 结束，退出时取消所有定时器
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	defer sw.stop()

	if _, err := sw.Sweep(ctx); err != nil {
		sw.svc.logger.ErrorWithContext("MATCH", "启动扫描失败: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := sw.Sweep(ctx); err != nil {
				sw.svc.logger.ErrorWithContext("MATCH", "房间扫描失败: %v", err)
			}
		}
	}
}

// Active 当前挂着的房间定时器数
func (sw *Sweeper) Active() int {
	sw.timerMutex.Lock()
	defer sw.timerMutex.Unlock()
	return len(sw.timers)
}

func (sw *Sweeper) stop() {
	sw.timerMutex.Lock()
	defer sw.timerMutex.Unlock()

	sw.stopped = true
	for code, timer := range sw.timers {
		timer.Stop()
		delete(sw.timers, code)
	}
	sw.svc.logger.InfoWithContext("MATCH", "房间过期管理已停止")
}
