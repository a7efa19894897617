package voice

// DefaultSampleRate is the rate of the PCM16 mono audio produced by the
// primary synthesizer.
const DefaultSampleRate = 24000

// Audio is one synthesized utterance.
type Audio struct {
	Data       []byte
	MIMEType   string
	SampleRate int
}

// Empty reports whether there is nothing to play.
func (a Audio) Empty() bool {
	return len(a.Data) == 0
}
