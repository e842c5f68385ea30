package insn

// Sequence walks forward from an entry address, decoding on demand. Decoded
// instructions are cached, so walking it again replays the cache before
// extending it. The first decode failure ends the sequence for good.
type Sequence struct {
	dec   Decoder
	entry uint64
	insns []Inst
	done  bool
	err   error
}

func NewSequence(dec Decoder, entry uint64) *Sequence {
	return &Sequence{dec: dec, entry: entry}
}

// SequenceFrom starts a sequence with an instruction the caller already decoded.
func SequenceFrom(dec Decoder, first Inst) *Sequence {
	return &Sequence{dec: dec, entry: first.Addr, insns: []Inst{first}}
}

func (s *Sequence) Entry() uint64 {
	return s.entry
}

// Len is the number of instructions decoded so far.
func (s *Sequence) Len() int {
	return len(s.insns)
}

// Terminated reports whether the sequence hit an undecodable instruction.
func (s *Sequence) Terminated() bool {
	return s.done
}

// Err is the decode error that terminated the sequence, if any.
func (s *Sequence) Err() error {
	return s.err
}

// At returns the i-th instruction, decoding the ones before it as needed.
func (s *Sequence) At(i int) (Inst, bool) {
	for len(s.insns) <= i {
		if !s.extend() {
			return Inst{}, false
		}
	}
	return s.insns[i], true
}

func (s *Sequence) extend() bool {
	if s.done {
		return false
	}
	addr := s.entry
	if n := len(s.insns); n != 0 {
		addr = s.insns[n-1].Next()
	}
	in, err := s.dec.Decode(addr)
	if err != nil {
		s.done, s.err = true, err
		return false
	}
	s.insns = append(s.insns, in)
	return true
}

// Insns yields every instruction of the sequence with its index.
func (s *Sequence) Insns(yield func(int, Inst) bool) {
	for i := 0; ; i++ {
		in, ok := s.At(i)
		if !ok || !yield(i, in) {
			return
		}
	}
}

// Reset drops the cache; the next walk decodes again from the entry.
func (s *Sequence) Reset() {
	s.insns, s.done, s.err = nil, false, nil
}
