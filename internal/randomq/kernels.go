package randomq

import "math/bits"

// permuteBaseline is the scalar reference kernel.
func permuteBaseline(s *state, rounds uint64) {
	var d [5]uint64
	var t state
	for r := uint64(0); r < rounds; r++ {
		theta(s, &d)
		for i := 0; i < StateWords; i++ {
			t[i] = bits.RotateLeft64(s[i]^d[col[i]], rho[i])
		}
		for i := 0; i < StateWords; i++ {
			s[i] = t[i] + t[next1[i]]*(t[next2[i]]|1)
		}
		s[0] ^= roundConstant(r)
	}
}

// rotatePair and mixPair process words i and i+1 as one 128-bit lane.
func rotatePair(t, s *state, d *[5]uint64, i int) {
	a, b := s[i]^d[col[i]], s[i+1]^d[col[i+1]]
	t[i], t[i+1] = bits.RotateLeft64(a, rho[i]), bits.RotateLeft64(b, rho[i+1])
}

func mixPair(s, t *state, i int) {
	m0 := t[next2[i]] | 1
	m1 := t[next2[i+1]] | 1
	s[i], s[i+1] = t[i]+t[next1[i]]*m0, t[i+1]+t[next1[i+1]]*m1
}

// permuteSSE4 groups the 25 words into 12 pairs plus a scalar tail.
func permuteSSE4(s *state, rounds uint64) {
	var d [5]uint64
	var t state
	for r := uint64(0); r < rounds; r++ {
		theta(s, &d)
		for i := 0; i < 24; i += 2 {
			rotatePair(&t, s, &d, i)
		}
		t[24] = bits.RotateLeft64(s[24]^d[4], rho[24])
		for i := 0; i < 24; i += 2 {
			mixPair(s, &t, i)
		}
		s[24] = t[24] + t[0]*(t[1]|1)
		s[0] ^= roundConstant(r)
	}
}

// rotateQuad and mixQuad process words i..i+3 as one 256-bit lane.
func rotateQuad(t, s *state, d *[5]uint64, i int) {
	a0, a1, a2, a3 := s[i]^d[col[i]], s[i+1]^d[col[i+1]], s[i+2]^d[col[i+2]], s[i+3]^d[col[i+3]]
	t[i] = bits.RotateLeft64(a0, rho[i])
	t[i+1] = bits.RotateLeft64(a1, rho[i+1])
	t[i+2] = bits.RotateLeft64(a2, rho[i+2])
	t[i+3] = bits.RotateLeft64(a3, rho[i+3])
}

func mixQuad(s, t *state, i int) {
	m0, m1, m2, m3 := t[next2[i]]|1, t[next2[i+1]]|1, t[next2[i+2]]|1, t[next2[i+3]]|1
	s[i] = t[i] + t[next1[i]]*m0
	s[i+1] = t[i+1] + t[next1[i+1]]*m1
	s[i+2] = t[i+2] + t[next1[i+2]]*m2
	s[i+3] = t[i+3] + t[next1[i+3]]*m3
}

// permuteAVX2 groups the words into 5 quads, finishes 20..23 with the
// pair kernel and handles word 24 on its own.
func permuteAVX2(s *state, rounds uint64) {
	var d [5]uint64
	var t state
	for r := uint64(0); r < rounds; r++ {
		theta(s, &d)
		for i := 0; i < 20; i += 4 {
			rotateQuad(&t, s, &d, i)
		}
		rotatePair(&t, s, &d, 20)
		rotatePair(&t, s, &d, 22)
		t[24] = bits.RotateLeft64(s[24]^d[4], rho[24])
		for i := 0; i < 20; i += 4 {
			mixQuad(s, &t, i)
		}
		mixPair(s, &t, 20)
		mixPair(s, &t, 22)
		s[24] = t[24] + t[0]*(t[1]|1)
		s[0] ^= roundConstant(r)
	}
}
