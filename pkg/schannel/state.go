package schannel

// Phase identifies where a secure channel session currently is. Transitions
// are linear except for the single Authenticating -> RetryChallenge ->
// Challenging loop and the two QueryCaps -> ProbeControl branches.
type Phase int32

const (
	PhaseResolvingEndpoint Phase = iota
	PhaseConnecting
	PhaseBindingUnauth
	PhaseChallenging
	PhaseAuthenticating
	PhaseRetryChallenge
	PhaseBindingAuth
	PhaseQueryCaps1
	PhaseQueryCaps2
	PhaseProbeControl
	PhaseDone
	PhaseFailed
)

var phaseNames = [...]string{
	"ResolvingEndpoint",
	"Connecting",
	"BindingUnauth",
	"Challenging",
	"Authenticating",
	"RetryChallenge",
	"BindingAuth",
	"QueryCaps1",
	"QueryCaps2",
	"ProbeControl",
	"Done",
	"Failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "Unknown"
	}
	return phaseNames[p]
}
