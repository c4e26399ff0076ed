package orchestrator

import "subdomaind/internal/model"

var edges = map[model.Status][]model.Status{
	model.StatusPending:       {model.StatusDNSCreating},
	model.StatusDNSCreating:   {model.StatusDNSVerifying, model.StatusDNSFailed},
	model.StatusDNSVerifying:  {model.StatusSSLRequesting, model.StatusDNSFailed},
	model.StatusSSLRequesting: {model.StatusSSLVerifying, model.StatusSSLFailed},
	model.StatusSSLVerifying:  {model.StatusActive, model.StatusSSLFailed},
	model.StatusDNSFailed:     {model.StatusFailed},
	model.StatusSSLFailed:     {model.StatusFailed},
	model.StatusActive:        {model.StatusSSLRequesting},
	model.StatusFailed:        {model.StatusPending},
}

// CanTransition reports whether from -> to is a legal edge. ssl_requesting
// may fall back to active only while a renewal is in flight.
func CanTransition(from, to model.Status, renewing bool) bool {
	if renewing && to == model.StatusActive &&
		(from == model.StatusSSLRequesting || from == model.StatusSSLVerifying) {
		return true
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// resumable lists the states a restarted process picks back up.
var resumable = []model.Status{
	model.StatusPending,
	model.StatusDNSCreating,
	model.StatusDNSVerifying,
	model.StatusSSLRequesting,
	model.StatusSSLVerifying,
	model.StatusDNSFailed,
	model.StatusSSLFailed,
}
