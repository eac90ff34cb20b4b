package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SessionCookie describes how the session token cookie is written.
type SessionCookie struct {
	Name     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

func (cookie SessionCookie) write(contextGin *gin.Context, token string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     cookie.Name,
		Value:    token,
		Path:     "/",
		Domain:   cookie.Domain,
		Expires:  expiresAt,
		Secure:   cookie.Secure,
		HttpOnly: true,
		SameSite: cookie.SameSite,
	})
}

func (cookie SessionCookie) clear(contextGin *gin.Context) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     cookie.Name,
		Value:    "",
		Path:     "/",
		Domain:   cookie.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   cookie.Secure,
		HttpOnly: true,
		SameSite: cookie.SameSite,
	})
}
