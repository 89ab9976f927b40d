package session

import (
	"fmt"

	"blocktest.dev/internal/sim/grid"
)

type InputKind int

const (
	InputPlace InputKind = iota + 1
	InputBreak
	// InputUse places or breaks depending on build mode.
	InputUse
	InputToggleBuild
	InputCycleBlock
)

// Input is one player action collected by the input layer between two ticks.
type Input struct {
	Kind     InputKind
	Pos      grid.Vec2i
	Layer    grid.Layer
	BlockUID string
}

func Place(pos grid.Vec2i, layer grid.Layer, uid string) Input {
	return Input{Kind: InputPlace, Pos: pos, Layer: layer, BlockUID: uid}
}

func Break(pos grid.Vec2i, layer grid.Layer) Input {
	return Input{Kind: InputBreak, Pos: pos, Layer: layer}
}

func Use(pos grid.Vec2i, layer grid.Layer) Input {
	return Input{Kind: InputUse, Pos: pos, Layer: layer}
}

func (in Input) String() string {
	switch in.Kind {
	case InputPlace:
		return fmt.Sprintf("place %s %s(%d,%d)", in.BlockUID, in.Layer, in.Pos.X, in.Pos.Y)
	case InputBreak:
		return fmt.Sprintf("break %s(%d,%d)", in.Layer, in.Pos.X, in.Pos.Y)
	case InputUse:
		return fmt.Sprintf("use %s(%d,%d)", in.Layer, in.Pos.X, in.Pos.Y)
	case InputToggleBuild:
		return "toggle-build"
	case InputCycleBlock:
		return "cycle-block"
	default:
		return fmt.Sprintf("input(%d)", int(in.Kind))
	}
}

func (s *Session) apply(in Input) error {
	switch in.Kind {
	case InputPlace:
		return s.RequestPlace(in.Pos, in.BlockUID, in.Layer)
	case InputBreak:
		return s.RequestBreak(in.Pos, in.Layer)
	case InputUse:
		return s.Use(in.Pos, in.Layer == grid.Foreground)
	case InputToggleBuild:
		s.ToggleBuildMode()
		return nil
	case InputCycleBlock:
		s.CycleBlock()
		return nil
	default:
		return fmt.Errorf("unknown input kind %d", int(in.Kind))
	}
}
