package engine

import (
	"github.com/go-playground/validator/v10"

	"github.com/wippyai/wasm-bridge/errors"
)

// Default export names of the guest protocol.
const (
	ExportAlloc          = "alloc"
	ExportFree           = "free"
	ExportNewEngine      = "new_engine"
	ExportDeleteEngine   = "delete_engine"
	ExportNewSession     = "new_session"
	ExportCloseSession   = "close_session"
	ExportHandleRequest  = "handle_request"
	ExportPoll           = "poll"
	ExportAddressingMode = "addressing_mode"
	ExportInitialize     = "_initialize"

	DefaultMemory = "memory"

	// Fallback allocator names tried when the configured name is absent.
	legacyAlloc   = "allocate"
	legacyDealloc = "deallocate"
)

// validate is shared; validator caches struct metadata per type.
var validate = validator.New()

// Exports names the guest functions bound by LoadModule.
// Initialize is optional; every other field is required.
type Exports struct {
	Alloc          string `validate:"required"`
	Free           string `validate:"required"`
	NewEngine      string `validate:"required"`
	DeleteEngine   string `validate:"required"`
	NewSession     string `validate:"required"`
	CloseSession   string `validate:"required"`
	HandleRequest  string `validate:"required"`
	Poll           string `validate:"required"`
	AddressingMode string `validate:"required"`
	Memory         string `validate:"required"`
	Initialize     string
}

// DefaultExports returns the standard export names.
func DefaultExports() Exports {
	return Exports{
		Alloc:          ExportAlloc,
		Free:           ExportFree,
		NewEngine:      ExportNewEngine,
		DeleteEngine:   ExportDeleteEngine,
		NewSession:     ExportNewSession,
		CloseSession:   ExportCloseSession,
		HandleRequest:  ExportHandleRequest,
		Poll:           ExportPoll,
		AddressingMode: ExportAddressingMode,
		Memory:         DefaultMemory,
		Initialize:     ExportInitialize,
	}
}

// Validate checks that every required name is set.
func (e Exports) Validate() error {
	if err := validate.Struct(e); err != nil {
		return errors.Config(err)
	}
	return nil
}

// functions lists the required function exports in a stable order.
func (e Exports) functions() []string {
	return []string{
		e.Alloc,
		e.Free,
		e.NewEngine,
		e.DeleteEngine,
		e.NewSession,
		e.CloseSession,
		e.HandleRequest,
		e.Poll,
		e.AddressingMode,
	}
}
