package genesis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/registry"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
	"github.com/cenwadike/dan/internal/wire"
)

// Meta keys written once genesis is applied.
const (
	MetaHash     = "genesis"
	MetaDocument = "genesis_document"
	MetaRent     = "lamports_per_byte"
)

//go:embed schema.cue
var schema string

// ErrAlreadyApplied is returned when the store already has a genesis.
var ErrAlreadyApplied = errors.New("genesis already applied")

// Wallet is a funded account at genesis.
type Wallet struct {
	Address  ledger.Pubkey `json:"address"`
	Lamports uint64        `json:"lamports"`
}

// Template is a template created at genesis on behalf of its creator.
type Template struct {
	ID           string        `json:"id"`
	Creator      ledger.Pubkey `json:"creator"`
	Name         string        `json:"name"`
	BaseBehavior string        `json:"base_behavior"`
}

// Document is a compiled genesis. Wallets are ordered by address and
// templates by id so applying it is deterministic.
type Document struct {
	Time      int64      `json:"time"`
	Wallets   []Wallet   `json:"wallets"`
	Templates []Template `json:"templates"`
}

// CompileError locates a problem in a genesis source.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadFile reads and compiles a genesis file.
func LoadFile(path string) (*Document, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	return Parse(src, path)
}

// Parse compiles CUE source containing a top-level genesis struct.
func Parse(src []byte, filename string) (*Document, error) {
	ctx := cuecontext.New()
	sch := ctx.CompileString(schema, cue.Filename("schema.cue"))
	if err := sch.Err(); err != nil {
		return nil, fmt.Errorf("genesis schema: %w", err)
	}
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v = sch.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}
	return Compile(v.LookupPath(cue.ParsePath("genesis")))
}

// Compile turns a validated genesis value into a Document.
func Compile(v cue.Value) (*Document, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	doc := &Document{Wallets: []Wallet{}, Templates: []Template{}}

	t, err := v.LookupPath(cue.ParsePath("time")).Int64()
	if err != nil {
		return nil, formatCUEError(err)
	}
	doc.Time = t

	wallets, err := v.LookupPath(cue.ParsePath("wallets")).List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	seen := map[ledger.Pubkey]bool{}
	for wallets.Next() {
		w, err := compileWallet(wallets.Value())
		if err != nil {
			return nil, err
		}
		if seen[w.Address] {
			return nil, &CompileError{Field: "wallets", Message: "duplicate wallet " + w.Address.String(), Pos: wallets.Value().Pos()}
		}
		seen[w.Address] = true
		doc.Wallets = append(doc.Wallets, w)
	}
	sort.Slice(doc.Wallets, func(i, j int) bool {
		return doc.Wallets[i].Address.String() < doc.Wallets[j].Address.String()
	})

	templates, err := v.LookupPath(cue.ParsePath("templates")).Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for templates.Next() {
		tv := templates.Value()
		tmpl := Template{ID: templates.Label()}
		creator, err := tv.LookupPath(cue.ParsePath("creator")).String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if tmpl.Creator, err = parseKey(creator); err != nil {
			return nil, &CompileError{Field: "templates." + tmpl.ID + ".creator", Message: err.Error(), Pos: tv.Pos()}
		}
		if !seen[tmpl.Creator] {
			return nil, &CompileError{Field: "templates." + tmpl.ID + ".creator", Message: "creator has no genesis wallet to pay the deposit", Pos: tv.Pos()}
		}
		if tmpl.Name, err = tv.LookupPath(cue.ParsePath("name")).String(); err != nil {
			return nil, formatCUEError(err)
		}
		if tmpl.BaseBehavior, err = tv.LookupPath(cue.ParsePath("base_behavior")).String(); err != nil {
			return nil, formatCUEError(err)
		}
		doc.Templates = append(doc.Templates, tmpl)
	}
	sort.Slice(doc.Templates, func(i, j int) bool { return doc.Templates[i].ID < doc.Templates[j].ID })
	return doc, nil
}

func compileWallet(v cue.Value) (Wallet, error) {
	var w Wallet
	address, err := v.LookupPath(cue.ParsePath("address")).String()
	if err != nil {
		return w, formatCUEError(err)
	}
	name, err := v.LookupPath(cue.ParsePath("name")).String()
	if err != nil {
		return w, formatCUEError(err)
	}
	switch {
	case address != "" && name != "":
		return w, &CompileError{Field: "wallets", Message: "set address or name, not both", Pos: v.Pos()}
	case address != "":
		if w.Address, err = ledger.ParsePubkey(address); err != nil {
			return w, &CompileError{Field: "wallets.address", Message: err.Error(), Pos: v.Pos()}
		}
	case name != "":
		w.Address = ledger.KeypairFromName(name).Pubkey()
	default:
		return w, &CompileError{Field: "wallets", Message: "address or name is required", Pos: v.Pos()}
	}
	lamports, err := v.LookupPath(cue.ParsePath("lamports")).Uint64()
	if err != nil {
		return w, formatCUEError(err)
	}
	if lamports > store.MaxLamports {
		return w, &CompileError{Field: "wallets.lamports", Message: "exceeds supply cap", Pos: v.Pos()}
	}
	w.Lamports = lamports
	return w, nil
}

// parseKey accepts a base58 key or "name:<label>" for a deterministic
// development key.
func parseKey(s string) (ledger.Pubkey, error) {
	const prefix = "name:"
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return ledger.KeypairFromName(s[len(prefix):]).Pubkey(), nil
	}
	return ledger.ParsePubkey(s)
}

// Hash is the content id of the document.
func (d *Document) Hash() (string, error) {
	canonical, err := wire.MarshalCanonical(d)
	if err != nil {
		return "", fmt.Errorf("genesis hash: %w", err)
	}
	return wire.HashWithDomain(wire.DomainGenesis, canonical), nil
}

// Supply is the total lamports the document creates.
func (d *Document) Supply() uint64 {
	var total uint64
	for _, w := range d.Wallets {
		total += w.Lamports
	}
	return total
}

// Apply funds the wallets and creates the templates, then records the
// document in the store's meta table so replay can rebuild the same start.
// Templates go through the runtime without being logged.
func Apply(ctx context.Context, rt *runtime.Runtime, doc *Document) error {
	s := rt.Store()
	existing, err := s.Meta(ctx, MetaHash)
	if err != nil {
		return err
	}
	if existing != "" {
		return fmt.Errorf("%w: %s", ErrAlreadyApplied, existing)
	}
	hash, err := doc.Hash()
	if err != nil {
		return err
	}
	if doc.Supply() > store.MaxLamports {
		return fmt.Errorf("genesis supply exceeds %d", store.MaxLamports)
	}

	if err := s.Update(ctx, func(tx *store.Tx) error {
		for _, w := range doc.Wallets {
			if err := tx.CreateAccount(store.Account{
				Address:  w.Address,
				Lamports: w.Lamports,
				Owner:    ledger.SystemProgram,
				Kind:     store.KindWallet,
			}); err != nil {
				return fmt.Errorf("fund %s: %w", w.Address, err)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	for _, t := range doc.Templates {
		args, err := json.Marshal(registry.CreateArgs{
			TemplateID:   t.ID,
			Name:         t.Name,
			BaseBehavior: t.BaseBehavior,
		})
		if err != nil {
			return err
		}
		if err := rt.Bootstrap(ctx, doc.Time, runtime.Message{
			Payer:       t.Creator,
			Instruction: "create_template",
			Args:        args,
		}); err != nil {
			return fmt.Errorf("template %s: %w", t.ID, err)
		}
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.Update(ctx, func(tx *store.Tx) error {
		if err := tx.SetMeta(MetaHash, hash); err != nil {
			return err
		}
		if err := tx.SetMeta(MetaRent, strconv.FormatUint(rt.Rent().LamportsPerByte, 10)); err != nil {
			return err
		}
		return tx.SetMeta(MetaDocument, string(encoded))
	})
}

// Recorded returns the document a store was started from, or nil if the
// store has no genesis.
func Recorded(ctx context.Context, s *store.Store) (*Document, error) {
	raw, err := s.Meta(ctx, MetaDocument)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode recorded genesis: %w", err)
	}
	return &doc, nil
}

// RecordedRent returns the rent schedule the store's genesis was applied
// with. ok is false when the store has no genesis.
func RecordedRent(ctx context.Context, s *store.Store) (rent runtime.Rent, ok bool, err error) {
	raw, err := s.Meta(ctx, MetaRent)
	if err != nil || raw == "" {
		return runtime.Rent{}, false, err
	}
	lpb, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return runtime.Rent{}, false, fmt.Errorf("decode recorded rent: %w", err)
	}
	return runtime.Rent{LamportsPerByte: lpb}, true, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
