package evm

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
)

var errorStringSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

type dataError interface {
	ErrorData() interface{}
}

// wrapEVMExecutionError maps a node error to a typed error, appending the decoded revert reason.
func wrapEVMExecutionError(code clierr.Code, msg string, err error) error {
	if reason := decodeRevertFromError(err); reason != "" {
		return clierr.Wrap(code, fmt.Sprintf("%s: revert: %s", msg, reason), err)
	}
	return clierr.Wrap(code, msg, err)
}

// RevertReason returns the decoded revert reason carried by err, if any.
func RevertReason(err error) string {
	return decodeRevertFromError(err)
}

func decodeRevertFromError(err error) string {
	if err == nil {
		return ""
	}
	var de dataError
	if errors.As(err, &de) {
		switch data := de.ErrorData().(type) {
		case string:
			if buf, decErr := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(data), "0x")); decErr == nil {
				return decodeRevertData(buf)
			}
		case []byte:
			return decodeRevertData(data)
		}
	}
	return ""
}

func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if string(data[:4]) == string(errorStringSelector) {
		reason, err := abi.UnpackRevert(data)
		if err == nil {
			return reason
		}
	}
	return fmt.Sprintf("custom error 0x%s", common.Bytes2Hex(data[:4]))
}
