package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
)

type ctxKey string

const ctxRole ctxKey = "role"

// issueToken 用角色密钥换取访问令牌，密钥以 bcrypt 哈希形式配置
func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role   Role   `json:"role"`
		Secret string `json:"secret"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "无效的请求数据")
		return
	}

	var hash string
	switch req.Role {
	case RoleAdmin:
		hash = s.auth.AdminSecretHash
	case RoleService:
		hash = s.auth.ServiceSecretHash
	}
	if hash == "" || len(s.auth.Secret) == 0 {
		writeError(w, http.StatusUnauthorized, "凭证无效")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Secret)); err != nil {
		s.Logger.ErrorWithContext("API", "⚠️ 角色 %s 凭证校验失败", req.Role)
		writeError(w, http.StatusUnauthorized, "凭证无效")
		return
	}

	token, err := s.makeToken(req.Role)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(s.auth.TokenTTL.Seconds()),
	})
}

func (s *Server) makeToken(role Role) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":  string(role),
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(s.auth.TokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.auth.Secret)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "缺少访问令牌")
			return
		}
		token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.auth.Secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "访问令牌无效")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, http.StatusUnauthorized, "访问令牌无效")
			return
		}
		role, _ := claims["role"].(string)
		if Role(role) != RoleAdmin && Role(role) != RoleService {
			writeError(w, http.StatusForbidden, "无权访问")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRole, Role(role))))
	})
}

func requireRole(role Role) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got, _ := r.Context().Value(ctxRole).(Role); got != role {
				writeError(w, http.StatusForbidden, "仅限管理员")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
