package optimizer

// LinearDecay lowers a learning rate by a fixed amount, BaseLR/DecayEpochs,
// once per call. There is no floor: past DecayEpochs calls the rate reaches
// zero and then goes negative.
type LinearDecay struct {
	BaseLR      float64
	DecayEpochs int
	current     float64
	calls       int
}

func NewLinearDecay(baseLR float64, decayEpochs int) *LinearDecay {
	return &LinearDecay{BaseLR: baseLR, DecayEpochs: decayEpochs, current: baseLR}
}

// Decrement is the amount removed per call.
func (s *LinearDecay) Decrement() float64 {
	return s.BaseLR / float64(s.DecayEpochs)
}

// Next applies one decrement and returns the previous and new rates.
func (s *LinearDecay) Next() (old, lr float64) {
	old = s.current
	s.current = old - s.Decrement()
	s.calls++
	return old, s.current
}

// Current is the rate after the calls made so far.
func (s *LinearDecay) Current() float64 { return s.current }

// Calls is the number of decrements applied.
func (s *LinearDecay) Calls() int { return s.calls }

// At is the closed form r0 - k*(r0/n) of the rate after k calls.
func (s *LinearDecay) At(k int) float64 {
	return s.BaseLR - float64(k)*s.Decrement()
}
