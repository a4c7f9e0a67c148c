package bootentry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spinstage/spinstage/pkg/elevated"
	"github.com/spinstage/spinstage/pkg/errors"
	"github.com/spinstage/spinstage/pkg/firmware"
)

// Caller invokes a privileged operation. *elevated.Channel satisfies it.
type Caller interface {
	Call(ctx context.Context, op elevated.Op, args any, out any) error
}

// AddRequest is the payload of elevated.OpAddBootEntry.
type AddRequest struct {
	Target    Target `json:"target"`
	Permanent bool   `json:"permanent"`
	SlotLimit int    `json:"slot_limit,omitempty"`
}

// AddResponse is the result of elevated.OpAddBootEntry.
type AddResponse struct {
	Slot uint16 `json:"slot"`
	Name string `json:"name"`
}

// ListRequest is the payload of elevated.OpListBootEntries.
type ListRequest struct {
	SlotLimit int `json:"slot_limit,omitempty"`
}

// Service registers boot entries through the elevated helper.
type Service struct {
	caller    Caller
	slotLimit int
}

// NewService creates a Service scanning slotLimit slots.
func NewService(caller Caller, slotLimit int) *Service {
	return &Service{caller: caller, slotLimit: slotLimit}
}

// Add registers a new entry for target and returns its slot.
func (s *Service) Add(ctx context.Context, target Target, permanent bool) (*AddResponse, error) {
	var resp AddResponse
	req := AddRequest{Target: target, Permanent: permanent, SlotLimit: s.slotLimit}
	if err := s.caller.Call(ctx, elevated.OpAddBootEntry, req, &resp); err != nil {
		return nil, errors.Wrap(remoteSentinel(err), "failed to add boot entry")
	}
	return &resp, nil
}

// remoteSentinel restores the registration sentinels, which cross the
// channel only as message text.
func remoteSentinel(err error) error {
	var remote *errors.RemoteError
	if !errors.As(err, &remote) {
		return err
	}
	for _, sentinel := range []error{errors.ErrNoBootManager, errors.ErrNoFreeBootSlot} {
		if strings.Contains(remote.Message, sentinel.Error()) {
			return fmt.Errorf("%w: %v", sentinel, err)
		}
	}
	return err
}

// CheckAccess reports whether the helper can read firmware boot variables.
func (s *Service) CheckAccess(ctx context.Context) error {
	_, err := s.List(ctx)
	return err
}

// List returns the firmware boot configuration.
func (s *Service) List(ctx context.Context) (*Listing, error) {
	var l Listing
	if err := s.caller.Call(ctx, elevated.OpListBootEntries, ListRequest{SlotLimit: s.slotLimit}, &l); err != nil {
		return nil, errors.Wrap(err, "failed to list boot entries")
	}
	return &l, nil
}

// AddHandler is the helper side of elevated.OpAddBootEntry. Every variable
// access of one request happens in a single firmware session.
func AddHandler(opener firmware.Opener) elevated.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req AddRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, errors.Wrap(err, "invalid add_boot_entry arguments")
		}
		var slot uint16
		err := opener.Session(func(store firmware.Store) error {
			var err error
			slot, err = Register(store, req.Target, req.Permanent, req.SlotLimit)
			return err
		})
		if err != nil {
			return nil, err
		}
		return AddResponse{Slot: slot, Name: VarName(slot)}, nil
	}
}

// ListHandler is the helper side of elevated.OpListBootEntries.
func ListHandler(opener firmware.Opener) elevated.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req ListRequest
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, errors.Wrap(err, "invalid list_boot_entries arguments")
			}
		}
		var l *Listing
		err := opener.Session(func(store firmware.Store) error {
			var err error
			l, err = List(store, req.SlotLimit)
			return err
		})
		return l, err
	}
}
