package mediaplugin

import "fmt"

// PluginFrameType is the plugin protocol's frame-type vocabulary. The values
// are part of the plugin ABI.
type PluginFrameType int32

const (
	PluginKeyFrame    PluginFrameType = 0
	PluginDeltaFrame  PluginFrameType = 1
	PluginGoldenFrame PluginFrameType = 2
	PluginAltRefFrame PluginFrameType = 3
	PluginSkipFrame   PluginFrameType = 4
)

func (t PluginFrameType) String() string {
	switch t {
	case PluginKeyFrame:
		return "kGMPKeyFrame"
	case PluginDeltaFrame:
		return "kGMPDeltaFrame"
	case PluginGoldenFrame:
		return "kGMPGoldenFrame"
	case PluginAltRefFrame:
		return "kGMPAltRefFrame"
	case PluginSkipFrame:
		return "kGMPSkipFrame"
	default:
		return fmt.Sprintf("PluginFrameType(%d)", int32(t))
	}
}

// Valid reports whether t is one of the defined plugin frame types.
func (t PluginFrameType) Valid() bool {
	return t >= PluginKeyFrame && t <= PluginSkipFrame
}

// EngineToPluginFrameType translates an engine frame type.
// Undefined values return ErrUnknownFrameType.
func EngineToPluginFrameType(ft FrameType) (PluginFrameType, error) {
	switch ft {
	case FrameTypeKey:
		return PluginKeyFrame, nil
	case FrameTypeDelta:
		return PluginDeltaFrame, nil
	case FrameTypeGolden:
		return PluginGoldenFrame, nil
	case FrameTypeAltRef:
		return PluginAltRefFrame, nil
	case FrameTypeSkip:
		return PluginSkipFrame, nil
	default:
		return 0, fmt.Errorf("%w: engine frame type %d", ErrUnknownFrameType, int(ft))
	}
}

// PluginToEngineFrameType translates a plugin frame type.
// Undefined values return ErrUnknownFrameType.
func PluginToEngineFrameType(ft PluginFrameType) (FrameType, error) {
	switch ft {
	case PluginKeyFrame:
		return FrameTypeKey, nil
	case PluginDeltaFrame:
		return FrameTypeDelta, nil
	case PluginGoldenFrame:
		return FrameTypeGolden, nil
	case PluginAltRefFrame:
		return FrameTypeAltRef, nil
	case PluginSkipFrame:
		return FrameTypeSkip, nil
	default:
		return FrameTypeUnknown, fmt.Errorf("%w: plugin frame type %d", ErrUnknownFrameType, int32(ft))
	}
}

// mustEngineToPlugin and mustPluginToEngine are used on the adapter paths.
// An undefined frame type there is a contract violation and panics.
func mustEngineToPlugin(ft FrameType) PluginFrameType {
	out, err := EngineToPluginFrameType(ft)
	if err != nil {
		panic(err)
	}
	return out
}

func mustPluginToEngine(ft PluginFrameType) FrameType {
	out, err := PluginToEngineFrameType(ft)
	if err != nil {
		panic(err)
	}
	return out
}
