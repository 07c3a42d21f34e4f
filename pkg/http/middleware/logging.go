package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"PolySignals/pkg/logger"
)

// RequestLogging logs every request at debug and failures at warn.
func RequestLogging(l *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			start := time.Now()

			err := next(c)

			fields := []logger.Field{
				logger.String("method", req.Method),
				logger.String("route", c.Path()),
				logger.String("remote", c.RealIP()),
				logger.Int("status", c.Response().Status),
				logger.Duration("took", time.Since(start)),
			}
			if err != nil || c.Response().Status >= 400 {
				if err != nil {
					fields = append(fields, logger.Error(err))
				}
				l.Warn("http.request failed", fields...)
				return err
			}
			l.Debug("http.request done", fields...)
			return nil
		}
	}
}
