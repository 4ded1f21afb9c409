package cpu

import (
	"math/bits"
)

// Sample generators selectable through the SAMPLE_GENERATOR define.
type sampleGeneratorKind uint32

const (
	// 32-bit LCG seeded with a TEA hash of the stream index.
	tinyUniform sampleGeneratorKind = iota

	// xoshiro128** seeded with splitmix32.
	uniform
)

func (k sampleGeneratorKind) String() string {
	switch k {
	case tinyUniform:
		return "TinyUniform"
	case uniform:
		return "Uniform"
	}
	return "unknown"
}

// Stream salts keep the programs from reusing each other's numbers.
const (
	saltPrimary uint32 = 0x85ebca6b
	saltLight   uint32 = 0x9e3779b9
	saltCamera  uint32 = 0xc2b2ae35
)

// sampleGenerator is a small per-thread random stream. The zero value is not
// usable; use newSampleGenerator.
type sampleGenerator struct {
	kind  sampleGeneratorKind
	state [4]uint32
}

func newSampleGenerator(kind sampleGeneratorKind, index, seed uint32) sampleGenerator {
	sg := sampleGenerator{kind: kind}
	switch kind {
	case uniform:
		s := index*0x9e3779b9 ^ seed
		for i := range sg.state {
			s, sg.state[i] = splitMix32(s)
		}
		if sg.state == [4]uint32{} {
			sg.state[0] = 1
		}
	default:
		sg.state[0] = tea(index, seed, 16)
	}
	return sg
}

func (sg *sampleGenerator) nextUint32() uint32 {
	if sg.kind == uniform {
		s := &sg.state
		result := bits.RotateLeft32(s[1]*5, 7) * 9
		t := s[1] << 9
		s[2] ^= s[0]
		s[3] ^= s[1]
		s[1] ^= s[2]
		s[0] ^= s[3]
		s[2] ^= t
		s[3] = bits.RotateLeft32(s[3], 11)
		return result
	}

	sg.state[0] = 1664525*sg.state[0] + 1013904223
	return sg.state[0]
}

// next returns a float in [0, 1) built from the top 24 bits.
func (sg *sampleGenerator) next() float32 {
	return float32(sg.nextUint32()>>8) * (1.0 / (1 << 24))
}

// tea hashes two words with the tiny encryption algorithm.
func tea(v0, v1 uint32, rounds int) uint32 {
	var sum uint32
	for i := 0; i < rounds; i++ {
		sum += 0x9e3779b9
		v0 += ((v1 << 4) + 0xa341316c) ^ (v1 + sum) ^ ((v1 >> 5) + 0xc8013ea4)
		v1 += ((v0 << 4) + 0xad90777d) ^ (v0 + sum) ^ ((v0 >> 5) + 0x7e95761e)
	}
	return v0
}

func splitMix32(s uint32) (uint32, uint32) {
	s += 0x9e3779b9
	z := s
	z = (z ^ (z >> 16)) * 0x85ebca6b
	z = (z ^ (z >> 13)) * 0xc2b2ae35
	return s, z ^ (z >> 16)
}
