package generation

import (
	"fmt"
	"strings"

	"quel-generation-server/modules/common/model"
	"quel-generation-server/modules/prediction"
)

// 배치 종류별 기본 유닛 수
var defaultTargets = map[string]int{
	model.KindPaid:           30,
	model.KindGrid:           9,
	model.KindReelCover:      2,
	model.KindPhotoshootGrid: 9,
}

// DefaultTarget - 알 수 없는 kind 면 0
func DefaultTarget(kind string) int {
	return defaultTargets[kind]
}

// Camera angle x shot type 조합 (유닛 index 순환)
var (
	cameraAngles = []string{"front", "three-quarter", "side profile", "back", "low angle", "high angle"}
	shotTypes    = []string{"close-up", "medium shot", "full body shot", "wide shot", "detail shot"}
)

var gridPanels = []string{
	"top-left panel: establishing wide shot",
	"top-center panel: medium shot, subject centered",
	"top-right panel: close-up on the face",
	"middle-left panel: detail of hands and product",
	"center panel: hero shot, strongest composition",
	"middle-right panel: side profile",
	"bottom-left panel: candid moment, natural movement",
	"bottom-center panel: over-the-shoulder view",
	"bottom-right panel: closing shot, subject walking away",
}

var reelCovers = []string{
	"vertical reel cover, bold centered subject with empty space at the top for a title",
	"vertical reel cover, dynamic diagonal composition with motion",
}

// Variant - kind 와 절대 index 로 결정되는 구도 지시문
func Variant(kind string, index int) string {
	switch kind {
	case model.KindGrid, model.KindPhotoshootGrid:
		return gridPanels[index%len(gridPanels)]
	case model.KindReelCover:
		return reelCovers[index%len(reelCovers)]
	default:
		angle := cameraAngles[index%len(cameraAngles)]
		shot := shotTypes[(index/len(cameraAngles))%len(shotTypes)]
		return fmt.Sprintf("%s, %s", shot, angle)
	}
}

// UnitSpecFor - 배치 spec 에 index 별 구도를 붙인 유닛 spec
func UnitSpecFor(kind string, spec model.BatchSpec, index int) prediction.UnitSpec {
	var prompt strings.Builder
	prompt.WriteString(strings.TrimSpace(spec.Prompt))
	prompt.WriteString("\n\nComposition: ")
	prompt.WriteString(Variant(kind, index))

	return prediction.UnitSpec{
		Prompt:       prompt.String(),
		InputImages:  spec.InputImages,
		AspectRatio:  spec.AspectRatio,
		Resolution:   spec.Resolution,
		OutputFormat: spec.OutputFormat,
		Model:        spec.Model,
	}
}
