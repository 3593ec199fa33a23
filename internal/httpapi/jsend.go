package httpapi

import (
	"github.com/labstack/echo/v4"
)

type jsendBody struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// jsendSuccess wraps data for a successful request.
func jsendSuccess(c echo.Context, code int, data any) error {
	return c.JSON(code, jsendBody{Status: "success", Data: data})
}

// jsendFail wraps a client-side problem (validation, not found).
func jsendFail(c echo.Context, code int, data any) error {
	return c.JSON(code, jsendBody{Status: "fail", Data: data})
}

// jsendError wraps a server-side failure.
func jsendError(c echo.Context, code int, message string) error {
	return c.JSON(code, jsendBody{Status: "error", Message: message})
}
