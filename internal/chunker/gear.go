package chunker

// gearTable holds 256 pseudo-random uint64s used by the rolling hash. It is
// generated once from a fixed seed so that re-deriving it is deterministic
// across processes and machines — the polynomial is part of the on-disk
// repository format (manifest.ChunkerFormatVersion), not a runtime choice.
var gearTable = generateGearTable(0x9E3779B97F4A7C15)

// generateGearTable derives 256 values from seed with a splitmix64-style
// mix, avoiding a 2KB table literal in source while staying fully
// deterministic and allocation-free at package init.
func generateGearTable(seed uint64) [256]uint64 {
	var table [256]uint64
	state := seed
	for i := range table {
		state += 0x9E3779B97F4A7C15
		z := state
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		z = z ^ (z >> 31)
		table[i] = z
	}
	return table
}
