package classifier

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"customvision/internal/tensor"
)

const kernel = 3

// Arch fixes the shape of the network: conv 3x3 -> ReLU -> max-pool 2x2 ->
// dense hidden (ReLU) -> dense output -> softmax.
type Arch struct {
	InputSize int `msgpack:"input_size" json:"inputSize"`
	Filters   int `msgpack:"filters" json:"filters"`
	Hidden    int `msgpack:"hidden" json:"hidden"`
}

func (a Arch) validate() error {
	if a.InputSize < kernel+1 || a.Filters <= 0 || a.Hidden <= 0 {
		return fmt.Errorf("invalid architecture %+v", a)
	}
	return nil
}

func (a Arch) inputLen() int  { return a.InputSize * a.InputSize * tensor.Channels }
func (a Arch) convSide() int  { return a.InputSize - kernel + 1 }
func (a Arch) poolSide() int  { return a.convSide() / 2 }
func (a Arch) convLen() int   { s := a.convSide(); return s * s * a.Filters }
func (a Arch) pooledLen() int { s := a.poolSide(); return s * s * a.Filters }
func (a Arch) kernelLen() int { return kernel * kernel * tensor.Channels }

// params holds every learned weight as flat row-major slices.
type params struct {
	ConvW   []float64 `msgpack:"conv_w"` // Filters x kernel x kernel x Channels
	ConvB   []float64 `msgpack:"conv_b"`
	HiddenW []float64 `msgpack:"hidden_w"` // Hidden x pooled
	HiddenB []float64 `msgpack:"hidden_b"`
	OutW    []float64 `msgpack:"out_w"` // classes x Hidden
	OutB    []float64 `msgpack:"out_b"`
}

func newParams(a Arch, classes int) *params {
	return &params{
		ConvW:   make([]float64, a.Filters*a.kernelLen()),
		ConvB:   make([]float64, a.Filters),
		HiddenW: make([]float64, a.Hidden*a.pooledLen()),
		HiddenB: make([]float64, a.Hidden),
		OutW:    make([]float64, classes*a.Hidden),
		OutB:    make([]float64, classes),
	}
}

func (p *params) slices() [][]float64 {
	return [][]float64{p.ConvW, p.ConvB, p.HiddenW, p.HiddenB, p.OutW, p.OutB}
}

func (p *params) clone() *params {
	return &params{
		ConvW:   append([]float64(nil), p.ConvW...),
		ConvB:   append([]float64(nil), p.ConvB...),
		HiddenW: append([]float64(nil), p.HiddenW...),
		HiddenB: append([]float64(nil), p.HiddenB...),
		OutW:    append([]float64(nil), p.OutW...),
		OutB:    append([]float64(nil), p.OutB...),
	}
}

func (p *params) matches(a Arch, classes int) bool {
	want := newParams(a, classes).slices()
	got := p.slices()
	for i := range want {
		if len(got[i]) != len(want[i]) {
			return false
		}
	}
	return true
}

func (p *params) zero() {
	for _, s := range p.slices() {
		for i := range s {
			s[i] = 0
		}
	}
}

// init fills weights with He-scaled normal values; biases stay zero.
func (p *params) init(a Arch, classes int, rng *rand.Rand) {
	fill := func(w []float64, fanIn int) {
		std := math.Sqrt(2 / float64(fanIn))
		for i := range w {
			w[i] = rng.NormFloat64() * std
		}
	}
	fill(p.ConvW, a.kernelLen())
	fill(p.HiddenW, a.pooledLen())
	fill(p.OutW, a.Hidden)
}

// network binds a parameter set to its architecture for forward and backward passes.
type network struct {
	arch    Arch
	classes int
	p       *params
	hiddenW *mat.Dense
	outW    *mat.Dense
}

func newNetwork(a Arch, classes int, p *params) *network {
	return &network{
		arch:    a,
		classes: classes,
		p:       p,
		hiddenW: mat.NewDense(a.Hidden, a.pooledLen(), p.HiddenW),
		outW:    mat.NewDense(classes, a.Hidden, p.OutW),
	}
}

// activations are the per-example buffers of one pass, owned by a tensor scope.
type activations struct {
	z1, a1, pooled, z2, a2, z3, probs []float64
	argmax                            []int
}

func newActivations(s *tensor.Scope, a Arch, classes int) *activations {
	return &activations{
		z1:     s.New(a.convLen()).Data,
		a1:     s.New(a.convLen()).Data,
		pooled: s.New(a.pooledLen()).Data,
		z2:     s.New(a.Hidden).Data,
		a2:     s.New(a.Hidden).Data,
		z3:     s.New(classes).Data,
		probs:  s.New(classes).Data,
		argmax: make([]int, a.pooledLen()),
	}
}

// forward runs x through the network, leaving intermediate values in act.
func (n *network) forward(x []float64, act *activations) {
	a := n.arch
	side, in, f := a.convSide(), a.InputSize, a.Filters
	c := tensor.Channels

	for i := 0; i < side; i++ {
		for j := 0; j < side; j++ {
			for k := 0; k < f; k++ {
				sum := n.p.ConvB[k]
				w := n.p.ConvW[k*a.kernelLen():]
				wi := 0
				for di := 0; di < kernel; di++ {
					row := ((i+di)*in + j) * c
					sum += floats.Dot(w[wi:wi+kernel*c], x[row:row+kernel*c])
					wi += kernel * c
				}
				idx := (i*side+j)*f + k
				act.z1[idx] = sum
				act.a1[idx] = math.Max(sum, 0)
			}
		}
	}

	ps := a.poolSide()
	for i := 0; i < ps; i++ {
		for j := 0; j < ps; j++ {
			for k := 0; k < f; k++ {
				best, bestIdx := math.Inf(-1), 0
				for di := 0; di < 2; di++ {
					for dj := 0; dj < 2; dj++ {
						idx := ((2*i+di)*side+2*j+dj)*f + k
						if act.a1[idx] > best {
							best, bestIdx = act.a1[idx], idx
						}
					}
				}
				out := (i*ps+j)*f + k
				act.pooled[out] = best
				act.argmax[out] = bestIdx
			}
		}
	}

	z2 := mat.NewVecDense(a.Hidden, act.z2)
	z2.MulVec(n.hiddenW, mat.NewVecDense(len(act.pooled), act.pooled))
	floats.Add(act.z2, n.p.HiddenB)
	for i, v := range act.z2 {
		act.a2[i] = math.Max(v, 0)
	}

	z3 := mat.NewVecDense(n.classes, act.z3)
	z3.MulVec(n.outW, mat.NewVecDense(a.Hidden, act.a2))
	floats.Add(act.z3, n.p.OutB)
	softmax(act.z3, act.probs)
}

// gradBuffers are scratch buffers reused by backward.
type gradBuffers struct {
	dz3, da2, dpooled, da1 []float64
}

func newGradBuffers(s *tensor.Scope, a Arch, classes int) *gradBuffers {
	return &gradBuffers{
		dz3:     s.New(classes).Data,
		da2:     s.New(a.Hidden).Data,
		dpooled: s.New(a.pooledLen()).Data,
		da1:     s.New(a.convLen()).Data,
	}
}

// backward accumulates the cross-entropy gradient of one example into grad.
func (n *network) backward(x []float64, label int, act *activations, buf *gradBuffers, grad *params) {
	a := n.arch

	copy(buf.dz3, act.probs)
	buf.dz3[label] -= 1
	dz3 := mat.NewVecDense(n.classes, buf.dz3)

	gOut := mat.NewDense(n.classes, a.Hidden, grad.OutW)
	gOut.RankOne(gOut, 1, dz3, mat.NewVecDense(a.Hidden, act.a2))
	floats.Add(grad.OutB, buf.dz3)

	da2 := mat.NewVecDense(a.Hidden, buf.da2)
	da2.MulVec(n.outW.T(), dz3)
	for i := range buf.da2 {
		if act.z2[i] <= 0 {
			buf.da2[i] = 0
		}
	}

	gHidden := mat.NewDense(a.Hidden, a.pooledLen(), grad.HiddenW)
	gHidden.RankOne(gHidden, 1, da2, mat.NewVecDense(len(act.pooled), act.pooled))
	floats.Add(grad.HiddenB, buf.da2)

	dpooled := mat.NewVecDense(len(buf.dpooled), buf.dpooled)
	dpooled.MulVec(n.hiddenW.T(), da2)

	for i := range buf.da1 {
		buf.da1[i] = 0
	}
	for i, src := range act.argmax {
		if act.z1[src] > 0 {
			buf.da1[src] += buf.dpooled[i]
		}
	}

	side, in, f := a.convSide(), a.InputSize, a.Filters
	c := tensor.Channels
	for i := 0; i < side; i++ {
		for j := 0; j < side; j++ {
			for k := 0; k < f; k++ {
				d := buf.da1[(i*side+j)*f+k]
				if d == 0 {
					continue
				}
				grad.ConvB[k] += d
				w := grad.ConvW[k*a.kernelLen():]
				wi := 0
				for di := 0; di < kernel; di++ {
					row := ((i+di)*in + j) * c
					floats.AddScaled(w[wi:wi+kernel*c], d, x[row:row+kernel*c])
					wi += kernel * c
				}
			}
		}
	}
}

func softmax(z, out []float64) {
	peak := floats.Max(z)
	sum := 0.0
	for i, v := range z {
		out[i] = math.Exp(v - peak)
		sum += out[i]
	}
	floats.Scale(1/sum, out)
}
