package registry

import (
	"encoding/json"
	"fmt"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
)

// Field limits. Longer values are rejected with InvalidArgument.
const (
	MaxNameLen         = 64
	MaxBaseBehaviorLen = 256
)

// Space is the declared size of a template record.
const Space = ledger.PubkeyLen + 4 + MaxNameLen + 4 + MaxBaseBehaviorLen

// SeedTag prefixes every template address derivation.
const SeedTag = "template"

// Template is an immutable behavior preset whose creator earns the royalty
// on channels opened against it.
type Template struct {
	Creator      ledger.Pubkey `json:"creator"`
	Name         string        `json:"name"`
	BaseBehavior string        `json:"base_behavior"`
}

// CreateArgs are the arguments of create_template.
type CreateArgs struct {
	TemplateID   string `json:"template_id"`
	Name         string `json:"name"`
	BaseBehavior string `json:"base_behavior"`
}

// TemplateCreated is emitted once per template.
type TemplateCreated struct {
	TemplateID   string        `json:"template_id"`
	Creator      ledger.Pubkey `json:"creator"`
	Name         string        `json:"name"`
	BaseBehavior string        `json:"base_behavior"`
}

// EventName implements events.Event.
func (TemplateCreated) EventName() string { return "TemplateCreated" }

// Seeds returns the derivation seeds of a template address.
func Seeds(templateID string) [][]byte {
	return ledger.Seed(SeedTag, []byte(templateID))
}

// Address derives the template address under programID.
func Address(programID ledger.Pubkey, templateID string) (ledger.Pubkey, error) {
	addr, _, err := ledger.FindProgramAddress(Seeds(templateID), programID)
	if err != nil {
		return ledger.Pubkey{}, fmt.Errorf("template %q: %w", templateID, err)
	}
	return addr, nil
}

// HandleCreate is the create_template instruction handler.
func HandleCreate(ctx runtime.Context, raw json.RawMessage) error {
	args, err := runtime.DecodeArgs[CreateArgs](raw)
	if err != nil {
		return err
	}
	return Create(ctx, args)
}

// Create handles create_template. The signing payer becomes the creator.
// Creating an existing template id fails with ACCOUNT_EXISTS.
func Create(ctx runtime.Context, args CreateArgs) error {
	if args.TemplateID == "" {
		return runtime.ErrInvalidArgument.Wrapf("template_id is required")
	}
	if len(args.Name) > MaxNameLen {
		return runtime.ErrInvalidArgument.Wrapf("name longer than %d bytes", MaxNameLen)
	}
	if len(args.BaseBehavior) > MaxBaseBehaviorLen {
		return runtime.ErrInvalidArgument.Wrapf("base_behavior longer than %d bytes", MaxBaseBehaviorLen)
	}

	addr, _, err := ctx.Derive(Seeds(args.TemplateID))
	if err != nil {
		return err
	}
	tmpl := Template{
		Creator:      ctx.Payer(),
		Name:         args.Name,
		BaseBehavior: args.BaseBehavior,
	}
	data, err := runtime.EncodeRecord(tmpl)
	if err != nil {
		return err
	}
	if err := ctx.Create(addr, store.KindTemplate, Space, data); err != nil {
		return err
	}
	return ctx.Emit(TemplateCreated{
		TemplateID:   args.TemplateID,
		Creator:      tmpl.Creator,
		Name:         tmpl.Name,
		BaseBehavior: tmpl.BaseBehavior,
	})
}

// Load reads a template inside a transition. A missing template is the
// fault ACCOUNT_NOT_FOUND.
func Load(ctx runtime.Context, templateID string) (Template, error) {
	addr, _, err := ctx.Derive(Seeds(templateID))
	if err != nil {
		return Template{}, err
	}
	tmpl, _, err := runtime.LoadRecord[Template](ctx, addr, store.KindTemplate)
	return tmpl, err
}

// Decode parses a stored template body.
func Decode(data []byte) (Template, error) {
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return Template{}, fmt.Errorf("decode template: %w", err)
	}
	return t, nil
}
