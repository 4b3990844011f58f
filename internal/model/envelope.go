package model

import "encoding/json"

// CodeOK is the application-level success code inside the REST envelope.
// Anything else is treated as failure regardless of the payload shape.
const CodeOK = 1000

// Envelope wraps every REST response: {message, code, result, httpStatus}.
type Envelope struct {
	Message    string          `json:"message"`
	Code       int             `json:"code"`
	Result     json.RawMessage `json:"result,omitempty"`
	HTTPStatus int             `json:"httpStatus"`
}
