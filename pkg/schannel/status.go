package schannel

import "fmt"

// Status is an NT status code returned by a netlogon operation. The secure
// channel logic only branches on a handful of values; everything else is
// surfaced verbatim to the caller.
type Status uint32

const (
	StatusOK                     Status = 0x00000000
	StatusNotImplemented         Status = 0xC0000002
	StatusNoMemory               Status = 0xC0000017
	StatusAccessDenied           Status = 0xC0000022
	StatusInternalError          Status = 0xC00000E5
	StatusDowngradeDetected      Status = 0xC0000388
	StatusRPCProcnumOutOfRange   Status = 0xC002002E
	StatusRPCEnumValueOutOfRange Status = 0xC003000A
	StatusRPCBadStubData         Status = 0xC003000C
)

var statusNames = map[Status]string{
	StatusOK:                     "STATUS_SUCCESS",
	StatusNotImplemented:         "STATUS_NOT_IMPLEMENTED",
	StatusNoMemory:               "STATUS_NO_MEMORY",
	StatusAccessDenied:           "STATUS_ACCESS_DENIED",
	StatusInternalError:          "STATUS_INTERNAL_ERROR",
	StatusDowngradeDetected:      "STATUS_DOWNGRADE_DETECTED",
	StatusRPCProcnumOutOfRange:   "RPC_NT_PROCNUM_OUT_OF_RANGE",
	StatusRPCEnumValueOutOfRange: "RPC_NT_ENUM_VALUE_OUT_OF_RANGE",
	StatusRPCBadStubData:         "RPC_NT_BAD_STUB_DATA",
}

// IsOK reports whether the status indicates success.
func (s Status) IsOK() bool {
	return s == StatusOK
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("NTSTATUS 0x%08X", uint32(s))
}

// WErr is a Win32 error code returned by the LogonControl query used as the
// fallback capability probe.
type WErr uint32

const (
	WErrOK           WErr = 0x00000000
	WErrNotSupported WErr = 0x00000032
)

func (w WErr) String() string {
	switch w {
	case WErrOK:
		return "WERR_OK"
	case WErrNotSupported:
		return "WERR_NOT_SUPPORTED"
	default:
		return fmt.Sprintf("WERROR 0x%08X", uint32(w))
	}
}
