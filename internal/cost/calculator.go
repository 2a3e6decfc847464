package cost

// Per-million-token rates in whole dollars. Haiku is the cheap tier used for
// extraction and cluster assignment; Sonnet is the capable tier used for
// product briefs.
const (
	haikuInputPerMTok   = 1
	haikuOutputPerMTok  = 5
	sonnetInputPerMTok  = 3
	sonnetOutputPerMTok = 15
)

// Usage accumulates token counts per model tier across a run.
type Usage struct {
	HaikuIn   int64
	HaikuOut  int64
	SonnetIn  int64
	SonnetOut int64
}

// Add merges another usage into u.
func (u *Usage) Add(other Usage) {
	u.HaikuIn += other.HaikuIn
	u.HaikuOut += other.HaikuOut
	u.SonnetIn += other.SonnetIn
	u.SonnetOut += other.SonnetOut
}

// TotalIn returns the combined input token count across tiers.
func (u Usage) TotalIn() int64 { return u.HaikuIn + u.SonnetIn }

// TotalOut returns the combined output token count across tiers.
func (u Usage) TotalOut() int64 { return u.HaikuOut + u.SonnetOut }

// Cents returns the estimated cost of u in integer cents, rounded up.
// Token counts weighted by dollars-per-million-tokens give a value in
// dollar-micro-units; dividing by 10,000 lands in cents.
func (u Usage) Cents() int {
	weighted := u.HaikuIn*haikuInputPerMTok +
		u.HaikuOut*haikuOutputPerMTok +
		u.SonnetIn*sonnetInputPerMTok +
		u.SonnetOut*sonnetOutputPerMTok
	return int((weighted + 9999) / 10000)
}
