package estimator

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	stateSize = 6 // x, y, z, vx, vy, vz
	measSize  = 3 // x, y, z
)

var (
	// ErrNonFinite is returned when a filter step produces NaN or Inf.
	ErrNonFinite = errors.New("estimator state is not finite")
	// ErrSingular is returned when the innovation covariance cannot be inverted.
	ErrSingular = errors.New("innovation covariance is singular")
	// ErrNotSeeded is returned by operations that need a seeded estimator.
	ErrNotSeeded = errors.New("estimator not seeded")
)

// KalmanFilter is a linear constant-velocity Kalman filter over
// (x, y, z, vx, vy, vz) with a position-only measurement and no control
// input. State and covariances are held in single precision; each step is
// evaluated with gonum in float64 and stored back.
//
// Predict copies the prior into the posterior so a filter that is predicted
// twice without a correction keeps extrapolating from its latest prior.
type KalmanFilter struct {
	StatePre     [stateSize]float32
	StatePost    [stateSize]float32
	ErrorCovPre  [stateSize * stateSize]float32
	ErrorCovPost [stateSize * stateSize]float32

	Transition       [stateSize * stateSize]float32
	ProcessNoise     [stateSize * stateSize]float32
	MeasurementNoise [measSize * measSize]float32
}

// NewKalmanFilter builds a filter with identity transition and the diagonal
// covariances from t.
func NewKalmanFilter(t Tuning) *KalmanFilter {
	kf := &KalmanFilter{}
	for i := 0; i < stateSize; i++ {
		kf.Transition[i*stateSize+i] = 1
		kf.ErrorCovPre[i*stateSize+i] = 1
		kf.ErrorCovPost[i*stateSize+i] = t.InitialErrorCov
		if i < measSize {
			kf.ProcessNoise[i*stateSize+i] = t.ProcessNoisePos
		} else {
			kf.ProcessNoise[i*stateSize+i] = t.ProcessNoiseVel
		}
	}
	for i := 0; i < measSize; i++ {
		kf.MeasurementNoise[i*measSize+i] = t.MeasurementNoise
	}
	return kf
}

// SetDT writes dt into the position/velocity coupling terms of the
// transition matrix: x += vx·dt, y += vy·dt, z += vz·dt.
func (kf *KalmanFilter) SetDT(dt float32) {
	for i := 0; i < measSize; i++ {
		kf.Transition[i*stateSize+i+measSize] = dt
	}
}

// SetState places s in both the prior and posterior so the next Predict
// starts from it.
func (kf *KalmanFilter) SetState(s [stateSize]float32) {
	kf.StatePre = s
	kf.StatePost = s
}

// Predict advances the filter one step:
//
//	x⁻ = F·x⁺
//	P⁻ = F·P⁺·Fᵀ + Q
func (kf *KalmanFilter) Predict() [stateSize]float32 {
	F := denseOf(kf.Transition[:], stateSize, stateSize)
	P := denseOf(kf.ErrorCovPost[:], stateSize, stateSize)
	x := vecOf(kf.StatePost[:])

	var xPre mat.VecDense
	xPre.MulVec(F, x)

	var FP, FPFt mat.Dense
	FP.Mul(F, P)
	FPFt.Mul(&FP, F.T())
	FPFt.Add(&FPFt, denseOf(kf.ProcessNoise[:], stateSize, stateSize))

	storeVec(kf.StatePre[:], &xPre)
	storeDense(kf.ErrorCovPre[:], &FPFt)

	kf.StatePost = kf.StatePre
	kf.ErrorCovPost = kf.ErrorCovPre
	return kf.StatePre
}

// Correct fuses a position measurement into the prior:
//
//	K  = P⁻·Hᵀ·(H·P⁻·Hᵀ + R)⁻¹
//	x⁺ = x⁻ + K·(z − H·x⁻)
//	P⁺ = P⁻ − K·H·P⁻
func (kf *KalmanFilter) Correct(z [measSize]float32) ([stateSize]float32, error) {
	H := measurementMatrix()
	P := denseOf(kf.ErrorCovPre[:], stateSize, stateSize)
	x := vecOf(kf.StatePre[:])

	var HP, S mat.Dense
	HP.Mul(H, P)
	S.Mul(&HP, H.T())
	S.Add(&S, denseOf(kf.MeasurementNoise[:], measSize, measSize))

	var Sinv mat.Dense
	if err := Sinv.Inverse(&S); err != nil {
		return kf.StatePost, fmt.Errorf("%w: %v", ErrSingular, err)
	}

	var PHt, K mat.Dense
	PHt.Mul(P, H.T())
	K.Mul(&PHt, &Sinv)

	var Hx, innovation mat.VecDense
	Hx.MulVec(H, x)
	innovation.SubVec(vecOf(z[:]), &Hx)

	var xPost mat.VecDense
	xPost.MulVec(&K, &innovation)
	xPost.AddVec(x, &xPost)

	var KHP, PPost mat.Dense
	KHP.Mul(&K, &HP)
	PPost.Sub(P, &KHP)

	storeVec(kf.StatePost[:], &xPost)
	storeDense(kf.ErrorCovPost[:], &PPost)
	return kf.StatePost, nil
}

// Finite reports whether both state vectors and covariances are finite.
func (kf *KalmanFilter) Finite() bool {
	return allFinite(kf.StatePre[:]) && allFinite(kf.StatePost[:]) &&
		allFinite(kf.ErrorCovPre[:]) && allFinite(kf.ErrorCovPost[:])
}

func measurementMatrix() *mat.Dense {
	H := mat.NewDense(measSize, stateSize, nil)
	for i := 0; i < measSize; i++ {
		H.Set(i, i, 1)
	}
	return H
}

func denseOf(v []float32, r, c int) *mat.Dense {
	data := make([]float64, len(v))
	for i, f := range v {
		data[i] = float64(f)
	}
	return mat.NewDense(r, c, data)
}

func vecOf(v []float32) *mat.VecDense {
	data := make([]float64, len(v))
	for i, f := range v {
		data[i] = float64(f)
	}
	return mat.NewVecDense(len(v), data)
}

func storeDense(dst []float32, m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst[i*c+j] = float32(m.At(i, j))
		}
	}
}

func storeVec(dst []float32, v *mat.VecDense) {
	for i := range dst {
		dst[i] = float32(v.AtVec(i))
	}
}

func allFinite(v []float32) bool {
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return false
		}
	}
	return true
}
