package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	twiliomw "github.com/chadiek/call-relay/internal/middleware"
)

// newRouter creates the Echo instance with logging, recovery and Twilio
// signature validation for every /twilio/ route.
func newRouter(authToken, publicURL string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(twiliomw.TwilioAuth(func() string { return authToken }, publicURL))
	return e
}
