package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/client"
)

// ParamsKey is the echo context key holding the validated form parameters.
const ParamsKey = "twilioParams"

// TwilioAuth validates Twilio webhook requests under /twilio/ using the
// X-Twilio-Signature header. publicURL, when set, replaces the request's
// scheme and host in the signed URL so validation works behind proxies.
func TwilioAuth(getAuthToken func() string, publicURL string) echo.MiddlewareFunc {
	publicURL = strings.TrimRight(publicURL, "/")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !strings.HasPrefix(c.Request().URL.Path, "/twilio/") {
				return next(c)
			}

			authToken := getAuthToken()
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}

			bodyBytes, err := io.ReadAll(c.Request().Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}
			c.Request().Body = io.NopCloser(bytes.NewReader(bodyBytes))

			formData, err := url.ParseQuery(string(bodyBytes))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}

			params := make(map[string]string)
			for key, values := range formData {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			signature := c.Request().Header.Get("X-Twilio-Signature")
			requestURL := signedURL(c.Request(), publicURL)

			validator := client.NewRequestValidator(authToken)
			if signature == "" || !validator.Validate(requestURL, params, signature) {
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}

			c.Set(ParamsKey, params)
			return next(c)
		}
	}
}

// Params returns the validated webhook parameters, or nil outside TwilioAuth.
func Params(c echo.Context) map[string]string {
	params, _ := c.Get(ParamsKey).(map[string]string)
	return params
}

func signedURL(r *http.Request, publicURL string) string {
	if publicURL != "" {
		return publicURL + r.URL.RequestURI()
	}
	return "https://" + r.Host + r.URL.RequestURI()
}
