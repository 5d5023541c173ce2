package rvfloat

import (
	"math"
	"testing"
)

func TestFminFmaxNaNPropagation(t *testing.T) {
	qnan := math.Float32frombits(CanonicalNaN32)

	got, flags := Fmin32(qnan, 1.0)
	if got != 1.0 {
		t.Errorf("Fmin32(qNaN, 1.0) = %v, want 1.0", got)
	}

	if flags&FlagNV != 0 {
		t.Errorf("Fmin32 with quiet NaN should not raise NV")
	}

	snan := math.Float32frombits(0x7fa0_0000) // signaling NaN

	_, flags = Fmin32(snan, 1.0)
	if flags&FlagNV == 0 {
		t.Errorf("Fmin32 with signaling NaN should raise NV")
	}

	bothNaN, _ := Fmin32(qnan, snan)
	if math.Float32bits(bothNaN) != CanonicalNaN32 {
		t.Errorf("Fmin32(NaN, NaN) = %#x, want canonical NaN", math.Float32bits(bothNaN))
	}
}

func TestFminZeroTieBreak(t *testing.T) {
	negZero := float32(math.Copysign(0, -1))

	got, _ := Fmin32(negZero, 0)
	if math.Signbit(float64(got)) == false {
		t.Errorf("Fmin32(-0, +0) should be -0, got %v", got)
	}

	got, _ = Fmax32(negZero, 0)
	if math.Signbit(float64(got)) {
		t.Errorf("Fmax32(-0, +0) should be +0, got %v", got)
	}
}

func TestFclass(t *testing.T) {
	tests := []struct {
		name string
		f    float32
		want uint64
	}{
		{"positive zero", 0, ClassPosZero},
		{"negative zero", float32(math.Copysign(0, -1)), ClassNegZero},
		{"positive infinity", float32(math.Inf(1)), ClassPosInf},
		{"negative infinity", float32(math.Inf(-1)), ClassNegInf},
		{"positive normal", 1.5, ClassPosNormal},
		{"negative normal", -1.5, ClassNegNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fclass32(tt.f); got != tt.want {
				t.Errorf("Fclass32(%v) = %#x, want %#x", tt.f, got, tt.want)
			}
		})
	}

	if got := Fclass32(math.Float32frombits(CanonicalNaN32)); got != ClassQuietNaN {
		t.Errorf("Fclass32(qNaN) = %#x, want ClassQuietNaN", got)
	}

	if got := Fclass32(math.Float32frombits(0x7fa0_0000)); got != ClassSignalingNaN {
		t.Errorf("Fclass32(sNaN) = %#x, want ClassSignalingNaN", got)
	}
}

func TestConvertToIntSaturates(t *testing.T) {
	v, flags := ConvertToInt(1e30, 32, RNE)
	if v != math.MaxInt32 {
		t.Errorf("ConvertToInt(1e30, 32) = %d, want MaxInt32", v)
	}

	if flags&FlagNV == 0 {
		t.Errorf("overflowing conversion should raise NV")
	}

	v, flags = ConvertToInt(-1e30, 32, RNE)
	if v != math.MinInt32 {
		t.Errorf("ConvertToInt(-1e30, 32) = %d, want MinInt32", v)
	}

	if flags&FlagNV == 0 {
		t.Errorf("overflowing conversion should raise NV")
	}

	v, flags = ConvertToInt(math.NaN(), 32, RNE)
	if v != math.MaxInt32 || flags&FlagNV == 0 {
		t.Errorf("NaN should saturate to MaxInt32 and raise NV, got %d flags=%v", v, flags)
	}
}

func TestConvertToUintNegativeSaturatesToZero(t *testing.T) {
	v, flags := ConvertToUint(-5.0, 32, RNE)
	if v != 0 {
		t.Errorf("ConvertToUint(-5.0, 32) = %d, want 0", v)
	}

	if flags&FlagNV == 0 {
		t.Errorf("negative-to-unsigned conversion should raise NV")
	}
}

func TestFMARounding(t *testing.T) {
	r, _ := FMA64(2, 3, 1, RNE)
	if r != 7 {
		t.Errorf("FMA64(2,3,1) = %v, want 7", r)
	}
}

func TestFeqSignalingVsQuiet(t *testing.T) {
	qnan := math.Float32frombits(CanonicalNaN32)
	snan := math.Float32frombits(0x7fa0_0000)

	if _, flags := Feq32(qnan, qnan); flags&FlagNV != 0 {
		t.Errorf("FEQ with quiet NaNs should not raise NV")
	}

	if _, flags := Feq32(snan, 1.0); flags&FlagNV == 0 {
		t.Errorf("FEQ with signaling NaN should raise NV")
	}

	if _, flags := Flt32(qnan, 1.0); flags&FlagNV == 0 {
		t.Errorf("FLT with quiet NaN should raise NV")
	}
}
