package driver

import (
	"fmt"
	"strings"

	"github.com/cuemby/testenv/pkg/yson"
)

// Well known Platform error codes
const (
	CodeTimeout                    = 3
	CodeNotReady                   = 100
	CodeRetriableNotReady          = 105
	CodeConcurrentLockConflict     = 402
	CodeResolveError               = 500
	CodeAlreadyExists              = 501
	CodeAuthorizationError         = 901
	CodeAccountLimitExceeded       = 902
	CodeNoSuchTransaction          = 11000
	CodeNoSuchOperation            = 1915
	CodeNoSuchJob                  = 1917
	CodeOperationFailedToPrepare   = 1911
	CodeTabletNotMounted           = 1702
	CodeInvalidObjectLifeStage     = 1401
	CodeMasterCommunicationFailure = 712
)

// Error is an error document reported by the Platform
type Error struct {
	Code       int
	Message    string
	Attributes map[string]any
	Inner      []*Error
}

func (e *Error) Error() string {
	var b strings.Builder
	e.write(&b, 0)
	return b.String()
}

func (e *Error) write(b *strings.Builder, depth int) {
	if depth > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Repeat("    ", depth))
	}
	fmt.Fprintf(b, "%s (code %d)", e.Message, e.Code)
	for _, inner := range e.Inner {
		inner.write(b, depth+1)
	}
}

// ContainsCode reports whether this error or any inner error has code
func (e *Error) ContainsCode(code int) bool {
	return e.Find(code) != nil
}

// Find returns the first error in the tree carrying code
func (e *Error) Find(code int) *Error {
	if e == nil {
		return nil
	}
	if e.Code == code {
		return e
	}
	for _, inner := range e.Inner {
		if found := inner.Find(code); found != nil {
			return found
		}
	}
	return nil
}

// ContainsText reports whether any message in the tree contains s
func (e *Error) ContainsText(s string) bool {
	if e == nil {
		return false
	}
	if strings.Contains(e.Message, s) {
		return true
	}
	for _, inner := range e.Inner {
		if inner.ContainsText(s) {
			return true
		}
	}
	return false
}

func (e *Error) IsResolveError() bool      { return e.ContainsCode(CodeResolveError) }
func (e *Error) IsNoSuchTransaction() bool { return e.ContainsCode(CodeNoSuchTransaction) }
func (e *Error) IsAccessDenied() bool      { return e.ContainsCode(CodeAuthorizationError) }
func (e *Error) IsAlreadyExists() bool     { return e.ContainsCode(CodeAlreadyExists) }

func (e *Error) IsConcurrentTransactionLockConflict() bool {
	return e.ContainsCode(CodeConcurrentLockConflict)
}

// IsNotReady reports the codes servers return while still starting
func (e *Error) IsNotReady() bool {
	return e.ContainsCode(CodeNotReady) || e.ContainsCode(CodeRetriableNotReady)
}

// Tree returns the error as a YSON-ready document
func (e *Error) Tree() map[string]any {
	tree := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Attributes) > 0 {
		tree["attributes"] = e.Attributes
	}
	if len(e.Inner) > 0 {
		inner := make([]any, 0, len(e.Inner))
		for _, i := range e.Inner {
			inner = append(inner, i.Tree())
		}
		tree["inner_errors"] = inner
	}
	return tree
}

// ErrorFromTree parses an error document
func ErrorFromTree(v any) *Error {
	m, ok := yson.Map(v)
	if !ok {
		return &Error{Code: 1, Message: fmt.Sprintf("malformed error: %v", v)}
	}
	e := &Error{}
	if code, ok := yson.Int(m["code"]); ok {
		e.Code = int(code)
	}
	e.Message, _ = yson.String(m["message"])
	e.Attributes, _ = yson.Map(m["attributes"])
	if inner, ok := yson.List(m["inner_errors"]); ok {
		for _, i := range inner {
			e.Inner = append(e.Inner, ErrorFromTree(i))
		}
	}
	return e
}

// NewError builds an error with optional inner errors
func NewError(code int, message string, inner ...*Error) *Error {
	return &Error{Code: code, Message: message, Inner: inner}
}
