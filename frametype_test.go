package mediaplugin

import (
	"errors"
	"testing"
)

func TestFrameTypeTranslationBijection(t *testing.T) {
	engineTypes := []FrameType{FrameTypeKey, FrameTypeDelta, FrameTypeGolden, FrameTypeAltRef, FrameTypeSkip}
	seen := make(map[PluginFrameType]FrameType)

	for _, ft := range engineTypes {
		t.Run(ft.String(), func(t *testing.T) {
			pt, err := EngineToPluginFrameType(ft)
			if err != nil {
				t.Fatalf("EngineToPluginFrameType(%v) failed: %v", ft, err)
			}
			if prev, dup := seen[pt]; dup {
				t.Fatalf("%v and %v both map to %v", prev, ft, pt)
			}
			seen[pt] = ft

			back, err := PluginToEngineFrameType(pt)
			if err != nil {
				t.Fatalf("PluginToEngineFrameType(%v) failed: %v", pt, err)
			}
			if back != ft {
				t.Errorf("round trip = %v, want %v", back, ft)
			}
		})
	}

	for pt := PluginKeyFrame; pt <= PluginSkipFrame; pt++ {
		ft, err := PluginToEngineFrameType(pt)
		if err != nil {
			t.Fatalf("PluginToEngineFrameType(%v) failed: %v", pt, err)
		}
		if again, _ := EngineToPluginFrameType(ft); again != pt {
			t.Errorf("plugin round trip %v -> %v -> %v", pt, ft, again)
		}
	}
}

func TestFrameTypeTranslationUndefined(t *testing.T) {
	for _, ft := range []FrameType{FrameTypeUnknown, FrameType(-1), FrameType(42)} {
		if _, err := EngineToPluginFrameType(ft); !errors.Is(err, ErrUnknownFrameType) {
			t.Errorf("EngineToPluginFrameType(%d) err = %v, want ErrUnknownFrameType", int(ft), err)
		}
	}
	for _, pt := range []PluginFrameType{-1, 5, 99} {
		if pt.Valid() {
			t.Errorf("%v reported valid", pt)
		}
		if _, err := PluginToEngineFrameType(pt); !errors.Is(err, ErrUnknownFrameType) {
			t.Errorf("PluginToEngineFrameType(%d) err = %v, want ErrUnknownFrameType", int32(pt), err)
		}
	}
}

func TestFrameTypeTranslationPanicsOnAdapterPath(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrUnknownFrameType) {
			t.Fatalf("recovered %v, want ErrUnknownFrameType panic", r)
		}
	}()
	mustEngineToPlugin(FrameTypeUnknown)
}
