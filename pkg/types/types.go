package types

type Device struct {
	ID             int    `json:"id"`
	NetworkAddress string `json:"network_address"`
	NetworkNumber  int    `json:"network_number"`
}

type Status struct {
	Status string `json:"status"`
}

var StatusOK = Status{Status: "ok"}

type NextAddress struct {
	NetworkAddress int `json:"network_address"`
}

// ErrorDetail is the body returned together with a failure status code.
type ErrorDetail struct {
	Detail string `json:"detail"`
}
