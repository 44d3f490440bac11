package site

import (
	"context"
	"errors"

	"github.com/roach88/sitenet/internal/ism"
)

// Outcome is the result of one attempt to apply a received message,
// together with the follow-up work it asks the site's business layer to do.
type Outcome struct {
	Succeeded bool

	RecheckCurrency  bool // cached copies derived from the message must be checked again
	UpdateState      bool // cached business state changed
	RevertState      bool // cached business state must be rolled back
	Persist          bool // the change must reach durable storage
	Log              bool // the attempt deserves a log entry
	DeleteStagedFile bool // a staged file is obsolete

	Err error
}

// Success is an outcome that changed nothing beyond the ledger.
func Success() Outcome {
	return Outcome{Succeeded: true}
}

// Updated is a success that changed cached state.
func Updated() Outcome {
	return Outcome{Succeeded: true, UpdateState: true, Persist: true}
}

// Failure is a failed attempt. The message stays held and its channel
// stalls until another source makes progress.
func Failure(err error) Outcome {
	if err == nil {
		err = errors.New("application failed")
	}
	return Outcome{Err: err, Log: true, RevertState: true}
}

// Directives names the follow-up flags that are set, in a fixed order.
func (o Outcome) Directives() []string {
	var out []string
	for _, d := range []struct {
		set  bool
		name string
	}{
		{o.RecheckCurrency, "recheck-currency"},
		{o.UpdateState, "update-state"},
		{o.RevertState, "revert-state"},
		{o.Persist, "persist"},
		{o.Log, "log"},
		{o.DeleteStagedFile, "delete-staged-file"},
	} {
		if d.set {
			out = append(out, d.name)
		}
	}
	return out
}

// Applier applies one admitted message to business state.
type Applier interface {
	Apply(ctx context.Context, m *ism.Message) Outcome
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, m *ism.Message) Outcome

func (f ApplierFunc) Apply(ctx context.Context, m *ism.Message) Outcome { return f(ctx, m) }

// ignore is the default external applier.
var ignore = ApplierFunc(func(context.Context, *ism.Message) Outcome { return Success() })
