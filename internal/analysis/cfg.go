package analysis

import (
	"errors"
	"fmt"
	"sort"

	"dissect/internal/disasm"
	"dissect/internal/logging"
)

// ErrNoInstructions signals an empty input stream.
var ErrNoInstructions = errors.New("no instructions")

// BasicBlock is a maximal single-entry straight-line run of instructions.
// EndAddress is the address of the last instruction, not one past it.
// Successors are ordered with the fall-through edge before the branch
// target and never contain duplicates; Predecessors mirror them exactly.
type BasicBlock struct {
	StartAddress uint64
	EndAddress   uint64
	StartIndex   int
	EndIndex     int
	Successors   []uint64
	Predecessors []uint64
	IsEntry      bool
	IsExit       bool
}

// ControlFlowGraph holds the blocks of one function or region, keyed by
// block start address.
type ControlFlowGraph struct {
	Blocks      map[uint64]*BasicBlock
	EntryPoints []uint64
}

// Block returns the block starting at addr.
func (cfg *ControlFlowGraph) Block(addr uint64) (*BasicBlock, bool) {
	b, ok := cfg.Blocks[addr]
	return b, ok
}

// SortedBlocks returns the blocks in ascending start-address order.
func (cfg *ControlFlowGraph) SortedBlocks() []*BasicBlock {
	blocks := make([]*BasicBlock, 0, len(cfg.Blocks))
	for _, b := range cfg.Blocks {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].StartAddress < blocks[j].StartAddress })
	return blocks
}

// BuildCFG assembles basic blocks from a decoded stream. insns must be
// sorted by ascending address; entry marks the first boundary. Branch
// targets outside the stream produce no edges, indirect branches never
// resolve. The builder works in three passes: collect block boundaries,
// materialize blocks between them, then connect edges by each block's
// final instruction.
func BuildCFG(insns []disasm.Instruction, entry uint64) (*ControlFlowGraph, error) {
	if len(insns) == 0 {
		return nil, fmt.Errorf("building cfg: %w", ErrNoInstructions)
	}

	byAddr := make(map[uint64]int, len(insns))
	for i, inst := range insns {
		byAddr[inst.Address] = i
	}

	// Pass 1: boundaries. A terminator ends a block, so the following
	// instruction starts one; any resolvable jump target starts one too.
	boundaries := map[uint64]bool{entry: true}
	for i, inst := range insns {
		if inst.IsTerminator() && i+1 < len(insns) {
			boundaries[insns[i+1].Address] = true
		}
		if inst.IsJump() {
			if target, ok := inst.BranchTarget(); ok {
				boundaries[target] = true
			}
		}
	}

	starts := make([]uint64, 0, len(boundaries))
	for addr := range boundaries {
		starts = append(starts, addr)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	// Pass 2: materialize. A block runs from its boundary to the next
	// boundary or through the first terminator, inclusive. Boundaries
	// that match no instruction are skipped.
	cfg := &ControlFlowGraph{
		Blocks:      make(map[uint64]*BasicBlock),
		EntryPoints: []uint64{entry},
	}
	for _, start := range starts {
		idx, ok := byAddr[start]
		if !ok {
			continue
		}
		end := idx
		for j := idx; j < len(insns); j++ {
			if j > idx && boundaries[insns[j].Address] {
				end = j - 1
				break
			}
			end = j
			if insns[j].IsTerminator() {
				break
			}
		}
		cfg.Blocks[start] = &BasicBlock{
			StartAddress: start,
			EndAddress:   insns[end].Address,
			StartIndex:   idx,
			EndIndex:     end,
			IsEntry:      start == entry,
			IsExit:       insns[end].IsReturn(),
		}
	}

	// Pass 3: connect by final instruction. Fall-through is added before
	// the branch target so successor order is stable.
	for _, start := range starts {
		block, ok := cfg.Blocks[start]
		if !ok {
			continue
		}
		last := insns[block.EndIndex]
		switch {
		case last.IsUncondJump():
			if target, ok := last.BranchTarget(); ok {
				connect(cfg, block, target)
			}
		case last.IsCondJump():
			if block.EndIndex+1 < len(insns) {
				connect(cfg, block, insns[block.EndIndex+1].Address)
			}
			if target, ok := last.BranchTarget(); ok {
				connect(cfg, block, target)
			}
		case last.IsReturn():
			// terminal, no successors
		default:
			if block.EndIndex+1 < len(insns) {
				connect(cfg, block, insns[block.EndIndex+1].Address)
			}
		}
	}

	if logging.IsDebug() {
		lg := logging.NewLogger()
		lg.Debug("built cfg",
			"entry", fmt.Sprintf("0x%x", entry),
			"blocks", len(cfg.Blocks))
	}
	return cfg, nil
}

// connect adds block→target and the mirrored predecessor edge. Targets
// without a materialized block are dropped, duplicates are ignored.
func connect(cfg *ControlFlowGraph, block *BasicBlock, target uint64) {
	succ, ok := cfg.Blocks[target]
	if !ok {
		return
	}
	for _, s := range block.Successors {
		if s == target {
			return
		}
	}
	block.Successors = append(block.Successors, target)
	succ.Predecessors = append(succ.Predecessors, block.StartAddress)
}
