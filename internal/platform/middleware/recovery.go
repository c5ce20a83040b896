package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery turns a handler panic into a 500 and logs it with the same
// request_id and actor_id fields the request logger uses, plus the matched
// route. A panic after the response was committed is logged only.
// http.ErrAbortHandler is re-raised so net/http aborts the connection.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				perr, ok := r.(error)
				if !ok {
					perr = fmt.Errorf("%v", r)
				}
				rid, _ := c.Get("request_id").(string)
				actor, _ := c.Get("actor_id").(string)

				logger.Error().
					Err(perr).
					Str("request_id", rid).
					Str("actor_id", actor).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Bool("committed", c.Response().Committed).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if c.Response().Committed {
					err = nil
					return
				}
				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error").
					SetInternal(errors.Join(errPanic, perr))
			}()
			return next(c)
		}
	}
}

var errPanic = errors.New("handler panicked")
