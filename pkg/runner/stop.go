package runner

import (
	"github.com/wardenhq/warden/pkg/pack"
	"github.com/wardenhq/warden/pkg/planner"
)

// evaluateStopConditions checks the last observation against the pack's
// enabled stop conditions. Returns the identifier of the first condition
// that fired, or "".
func evaluateStopConditions(p *pack.Pack, obs *Observation, expectedDomain string) string {
	if obs == nil {
		return ""
	}

	enabled := make(map[string]bool, len(p.StopConditions))
	for _, c := range p.StopConditions {
		enabled[c] = true
	}

	if enabled[StopCaptcha] && obs.CaptchaPresent {
		return StopCaptcha
	}
	if enabled[StopLoginPage] && obs.LoginForm {
		return StopLoginPage
	}
	if enabled[StopPaymentForm] && obs.PaymentForm {
		return StopPaymentForm
	}
	if enabled[StopPIIFields] && obs.PIIFields {
		return StopPIIFields
	}

	if obs.FinalURL != "" {
		host := planner.HostOf(obs.FinalURL)
		if host != "" {
			// Landing on a blocked or unlisted domain means the site
			// redirected us somewhere the pack never sanctioned.
			if enabled[StopBlockedDomain] && (matchesAny(p.BlockedDomains, host) || planner.AlwaysBlocked(host)) {
				return StopBlockedDomain
			}
			if enabled[StopUnexpectedRedirect] && expectedDomain != "" && host != expectedDomain && !matchesAny(p.AllowedDomains, host) {
				return StopUnexpectedRedirect
			}
		}
	}
	return ""
}

func matchesAny(patterns []string, host string) bool {
	for _, p := range patterns {
		if planner.MatchDomain(p, host) {
			return true
		}
	}
	return false
}
