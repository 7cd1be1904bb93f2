package util

import (
	libconstants "github.com/filswan/go-swan-lib/constants"
)

type BasicResponse struct {
	Status  string      `json:"status"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

func CreateSuccessResponse(_data interface{}) BasicResponse {
	return BasicResponse{
		Status: libconstants.SWAN_API_STATUS_SUCCESS,
		Data:   _data,
		Code:   SuccessCode,
	}
}

func CreateErrorResponse(code int, errMsg ...string) BasicResponse {
	var msg string
	if len(errMsg) == 0 {
		msg = codeMsg[code]
	} else {
		msg = errMsg[0]
	}
	return BasicResponse{
		Status:  libconstants.SWAN_API_STATUS_FAIL,
		Code:    code,
		Message: msg,
	}
}

const (
	SuccessCode = 200
	JsonError   = 400

	TaskNotFound        = 4001
	ResourceNotFound    = 4002
	SettlementMissing   = 4003
	InvalidArgument     = 4004
	CancelRejected      = 4005
	NotOwner            = 4006
	ReservationNotFound = 4007
	ServerError         = 5000
)

var codeMsg = map[int]string{
	JsonError: "An error occurred while converting to json",

	TaskNotFound:        "Task not found",
	ResourceNotFound:    "GPU resource not found",
	SettlementMissing:   "Settlement record not found",
	InvalidArgument:     "Invalid argument",
	CancelRejected:      "Task can no longer be cancelled",
	NotOwner:            "Task belongs to another owner",
	ReservationNotFound: "Reservation not found",
	ServerError:         "Internal server error",
}
