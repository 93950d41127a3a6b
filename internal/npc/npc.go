package npc

import (
	"encoding/json"
	"strconv"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/registry"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
)

// Field limits in bytes.
const (
	MaxMemoryLen   = 1024
	MaxDialogueLen = 512
	MaxBehaviorLen = 256
	MaxActionLen   = 256
)

// Declared record sizes.
const (
	MemorySpace = 4 + MaxMemoryLen
	StateSpace  = ledger.PubkeyLen + 4 + ledger.MaxSeedLen + 4 + ledger.MaxSeedLen + 4 + MaxDialogueLen + 4 + MaxBehaviorLen
)

// Seed tags.
const (
	MemoryTag = "memory"
	StateTag  = "state"
)

// ErrNotCreator is returned when anyone but the creator updates an NPC.
var ErrNotCreator = runtime.NewProgramError("NotCreator", "only the NPC creator can update it")

// Memory is the NPC's comma separated action log.
type Memory struct {
	Data string `json:"data"`
}

// State is the NPC's current dialogue and behavior.
type State struct {
	Creator  ledger.Pubkey `json:"creator"`
	NpcID    string        `json:"npc_id"`
	GameID   string        `json:"game_id"`
	Dialogue string        `json:"dialogue"`
	Behavior string        `json:"behavior"`
}

// InitArgs are the arguments of init_npc.
type InitArgs struct {
	NpcID      string `json:"npc_id"`
	GameID     string `json:"game_id"`
	TemplateID string `json:"template_id"`
}

// UpdateArgs are the arguments of update_npc.
type UpdateArgs struct {
	NpcID    string `json:"npc_id"`
	GameID   string `json:"game_id"`
	Action   string `json:"action"`
	Dialogue string `json:"dialogue"`
	Behavior string `json:"behavior"`
}

// NpcInitialized is emitted when an NPC's records are created.
type NpcInitialized struct {
	NpcID      string        `json:"npc_id"`
	GameID     string        `json:"game_id"`
	Creator    ledger.Pubkey `json:"creator"`
	TemplateID string        `json:"template_id"`
}

// EventName implements events.Event.
func (NpcInitialized) EventName() string { return "NpcInitialized" }

// NpcUpdated is emitted on every successful update.
type NpcUpdated struct {
	NpcID    string        `json:"npc_id"`
	GameID   string        `json:"game_id"`
	Creator  ledger.Pubkey `json:"creator"`
	Action   string        `json:"action"`
	Dialogue string        `json:"dialogue"`
	Behavior string        `json:"behavior"`
}

// EventName implements events.Event.
func (NpcUpdated) EventName() string { return "NpcUpdated" }

// MemorySeeds returns the derivation seeds of an NPC's memory record.
func MemorySeeds(creator ledger.Pubkey, npcID, gameID string) [][]byte {
	return ledger.Seed(MemoryTag, creator.Bytes(), []byte(npcID), []byte(gameID))
}

// StateSeeds returns the derivation seeds of an NPC's state record.
func StateSeeds(creator ledger.Pubkey, npcID, gameID string) [][]byte {
	return ledger.Seed(StateTag, creator.Bytes(), []byte(npcID), []byte(gameID))
}

// Addresses derives the memory and state addresses under programID.
func Addresses(programID, creator ledger.Pubkey, npcID, gameID string) (memory, state ledger.Pubkey, err error) {
	memory, _, err = ledger.FindProgramAddress(MemorySeeds(creator, npcID, gameID), programID)
	if err != nil {
		return
	}
	state, _, err = ledger.FindProgramAddress(StateSeeds(creator, npcID, gameID), programID)
	return
}

// AppendMemory adds entry to a comma separated log. When the result would
// exceed MaxMemoryLen the log restarts with entry alone.
func AppendMemory(log, entry string) string {
	if log == "" {
		return entry
	}
	candidate := log + "," + entry
	if len(candidate) > MaxMemoryLen {
		return entry
	}
	return candidate
}

// MemoryEntry formats one log entry.
func MemoryEntry(action string, now int64) string {
	return action + "@" + strconv.FormatInt(now, 10)
}

// HandleInit is the init_npc instruction handler.
func HandleInit(ctx runtime.Context, raw json.RawMessage) error {
	args, err := runtime.DecodeArgs[InitArgs](raw)
	if err != nil {
		return err
	}
	return Init(ctx, args)
}

// Init creates an NPC's memory and state records. The payer becomes the
// creator and the state starts with the template's base behavior.
func Init(ctx runtime.Context, args InitArgs) error {
	if err := requireIDs(args.NpcID, args.GameID); err != nil {
		return err
	}
	tmpl, err := registry.Load(ctx, args.TemplateID)
	if err != nil {
		return err
	}
	creator := ctx.Payer()
	memAddr, _, err := ctx.Derive(MemorySeeds(creator, args.NpcID, args.GameID))
	if err != nil {
		return err
	}
	stateAddr, _, err := ctx.Derive(StateSeeds(creator, args.NpcID, args.GameID))
	if err != nil {
		return err
	}

	memData, err := runtime.EncodeRecord(Memory{})
	if err != nil {
		return err
	}
	if err := ctx.Create(memAddr, store.KindMemory, MemorySpace, memData); err != nil {
		return err
	}
	stateData, err := runtime.EncodeRecord(State{
		Creator:  creator,
		NpcID:    args.NpcID,
		GameID:   args.GameID,
		Behavior: tmpl.BaseBehavior,
	})
	if err != nil {
		return err
	}
	if err := ctx.Create(stateAddr, store.KindState, StateSpace, stateData); err != nil {
		return err
	}
	return ctx.Emit(NpcInitialized{
		NpcID:      args.NpcID,
		GameID:     args.GameID,
		Creator:    creator,
		TemplateID: args.TemplateID,
	})
}

// HandleUpdate is the update_npc instruction handler.
func HandleUpdate(ctx runtime.Context, raw json.RawMessage) error {
	args, err := runtime.DecodeArgs[UpdateArgs](raw)
	if err != nil {
		return err
	}
	creator, err := ctx.Account("creator")
	if err != nil {
		return err
	}
	return Update(ctx, creator, args)
}

// Update appends the action to the NPC's memory and overwrites its
// dialogue and behavior. Only the creator may update.
func Update(ctx runtime.Context, creator ledger.Pubkey, args UpdateArgs) error {
	if err := requireIDs(args.NpcID, args.GameID); err != nil {
		return err
	}
	switch {
	case len(args.Action) > MaxActionLen:
		return runtime.ErrInvalidArgument.Wrapf("action longer than %d bytes", MaxActionLen)
	case len(args.Dialogue) > MaxDialogueLen:
		return runtime.ErrInvalidArgument.Wrapf("dialogue longer than %d bytes", MaxDialogueLen)
	case len(args.Behavior) > MaxBehaviorLen:
		return runtime.ErrInvalidArgument.Wrapf("behavior longer than %d bytes", MaxBehaviorLen)
	}

	stateAddr, _, err := ctx.Derive(StateSeeds(creator, args.NpcID, args.GameID))
	if err != nil {
		return err
	}
	state, _, err := runtime.LoadRecord[State](ctx, stateAddr, store.KindState)
	if err != nil {
		return err
	}
	if ctx.Payer() != state.Creator {
		return ErrNotCreator.Wrapf("creator %s, caller %s", state.Creator, ctx.Payer())
	}

	memAddr, _, err := ctx.Derive(MemorySeeds(creator, args.NpcID, args.GameID))
	if err != nil {
		return err
	}
	mem, _, err := runtime.LoadRecord[Memory](ctx, memAddr, store.KindMemory)
	if err != nil {
		return err
	}

	mem.Data = AppendMemory(mem.Data, MemoryEntry(args.Action, ctx.Now()))
	state.Dialogue = args.Dialogue
	state.Behavior = args.Behavior

	memData, err := runtime.EncodeRecord(mem)
	if err != nil {
		return err
	}
	if err := ctx.Save(memAddr, memData); err != nil {
		return err
	}
	stateData, err := runtime.EncodeRecord(state)
	if err != nil {
		return err
	}
	if err := ctx.Save(stateAddr, stateData); err != nil {
		return err
	}
	return ctx.Emit(NpcUpdated{
		NpcID:    args.NpcID,
		GameID:   args.GameID,
		Creator:  state.Creator,
		Action:   args.Action,
		Dialogue: args.Dialogue,
		Behavior: args.Behavior,
	})
}

func requireIDs(npcID, gameID string) error {
	if npcID == "" || gameID == "" {
		return runtime.ErrInvalidArgument.Wrapf("npc_id and game_id are required")
	}
	return nil
}
