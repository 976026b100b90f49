package prompt

import "strings"

// ExpandPermutations applies the permute operator to one line. The text
// before the first '|' is the base; each later non-blank segment is an
// optional addition. The base comes first, followed by every ordering of
// every non-empty subset of additions, smaller subsets first. Duplicate
// prompts are dropped, keeping the first occurrence.
func ExpandPermutations(line string) []string {
	segments := strings.Split(line, "|")
	base := strings.TrimSpace(segments[0])
	var additions []string
	for _, seg := range segments[1:] {
		if seg = strings.TrimSpace(seg); seg != "" {
			additions = append(additions, seg)
		}
	}

	out := []string{base}
	seen := map[string]struct{}{base: {}}
	for size := 1; size <= len(additions); size++ {
		combinations(len(additions), size, func(subset []int) {
			permutations(subset, func(order []int) {
				parts := make([]string, 0, len(order)+1)
				if base != "" {
					parts = append(parts, base)
				}
				for _, idx := range order {
					parts = append(parts, additions[idx])
				}
				p := strings.Join(parts, ", ")
				if _, dup := seen[p]; dup {
					return
				}
				seen[p] = struct{}{}
				out = append(out, p)
			})
		})
	}
	return out
}

// combinations calls fn with every size-k subset of [0,n) in lexicographic order.
func combinations(n, k int, fn func([]int)) {
	idx := make([]int, k)
	var rec func(start, depth int)
	rec = func(start, depth int) {
		if depth == k {
			fn(idx)
			return
		}
		for i := start; i <= n-(k-depth); i++ {
			idx[depth] = i
			rec(i+1, depth+1)
		}
	}
	rec(0, 0)
}

// permutations calls fn with every ordering of items in lexicographic order
// of positions.
func permutations(items []int, fn func([]int)) {
	order := make([]int, 0, len(items))
	used := make([]bool, len(items))
	var rec func()
	rec = func() {
		if len(order) == len(items) {
			fn(order)
			return
		}
		for i, item := range items {
			if used[i] {
				continue
			}
			used[i] = true
			order = append(order, item)
			rec()
			order = order[:len(order)-1]
			used[i] = false
		}
	}
	rec()
}

// permutationCount returns how many prompts ExpandPermutations would emit
// for line before duplicate removal, saturating above MaxExpansions.
func permutationCount(line string) int {
	n := 0
	for _, seg := range strings.Split(line, "|")[1:] {
		if strings.TrimSpace(seg) != "" {
			n++
		}
	}
	total := 1
	for size := 1; size <= n; size++ {
		term := 1
		for i := 0; i < size; i++ {
			term *= n - i
			if term > MaxExpansions {
				return MaxExpansions + 1
			}
		}
		total += term
		if total > MaxExpansions {
			return MaxExpansions + 1
		}
	}
	return total
}
