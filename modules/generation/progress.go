package generation

import (
	"fmt"
	"sort"

	"quel-generation-server/modules/common/model"
)

// validateProgress - 저장된 JSON 진행 상태 검증
func validateProgress(batch *model.GenerationBatch, maxUnits int) error {
	if _, ok := defaultTargets[batch.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrCorruptProgress, batch.Kind)
	}
	if batch.TargetUnits < 1 || batch.TargetUnits > maxUnits {
		return fmt.Errorf("%w: target_units %d out of range", ErrCorruptProgress, batch.TargetUnits)
	}
	if batch.UnitCost <= 0 {
		return fmt.Errorf("%w: unit_cost %d", ErrCorruptProgress, batch.UnitCost)
	}

	seen := make(map[int]bool, len(batch.Outputs)+len(batch.Pending))
	for _, out := range batch.Outputs {
		if out.Index < 0 || out.Index >= batch.TargetUnits {
			return fmt.Errorf("%w: output index %d out of range", ErrCorruptProgress, out.Index)
		}
		if seen[out.Index] {
			return fmt.Errorf("%w: duplicate unit index %d", ErrCorruptProgress, out.Index)
		}
		if out.Output == "" {
			return fmt.Errorf("%w: empty output for unit %d", ErrCorruptProgress, out.Index)
		}
		seen[out.Index] = true
	}
	for _, p := range batch.Pending {
		if p.Index < 0 || p.Index >= batch.TargetUnits {
			return fmt.Errorf("%w: pending index %d out of range", ErrCorruptProgress, p.Index)
		}
		if seen[p.Index] {
			return fmt.Errorf("%w: duplicate unit index %d", ErrCorruptProgress, p.Index)
		}
		if p.JobID == "" || p.ChargeRef == "" {
			return fmt.Errorf("%w: pending unit %d without job", ErrCorruptProgress, p.Index)
		}
		seen[p.Index] = true
	}
	return nil
}

// missingIndices - outputs 와 pending 어디에도 없는 index (오름차순)
func missingIndices(batch *model.GenerationBatch) []int {
	taken := make(map[int]bool, len(batch.Outputs)+len(batch.Pending))
	for _, out := range batch.Outputs {
		taken[out.Index] = true
	}
	for _, p := range batch.Pending {
		taken[p.Index] = true
	}

	missing := make([]int, 0, batch.TargetUnits-len(taken))
	for i := 0; i < batch.TargetUnits; i++ {
		if !taken[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

func pendingIndices(batch *model.GenerationBatch) []int {
	out := make([]int, 0, len(batch.Pending))
	for _, p := range batch.Pending {
		out = append(out, p.Index)
	}
	sort.Ints(out)
	return out
}

func knownRefs(batch *model.GenerationBatch) map[string]bool {
	known := make(map[string]bool, len(batch.Outputs)+len(batch.Pending))
	for _, out := range batch.Outputs {
		known[out.ChargeRef] = true
	}
	for _, p := range batch.Pending {
		known[p.ChargeRef] = true
	}
	return known
}

func sortProgress(batch *model.GenerationBatch) {
	sort.Slice(batch.Outputs, func(i, j int) bool { return batch.Outputs[i].Index < batch.Outputs[j].Index })
	sort.Slice(batch.Pending, func(i, j int) bool { return batch.Pending[i].Index < batch.Pending[j].Index })
}

// chunk - 오름차순 index 를 size 단위로 분할
func chunk(indices []int, size int) [][]int {
	var chunks [][]int
	for start := 0; start < len(indices); start += size {
		end := start + size
		if end > len(indices) {
			end = len(indices)
		}
		chunks = append(chunks, indices[start:end])
	}
	return chunks
}
