// Package memstore is an in-process implementation of the repository interfaces. Every
// operation runs under a mutex, which gives it the same atomicity the MySQL
// implementations get from row locks. It backs the "memory" store driver and tests.
package memstore

import (
	"github.com/jmehdipour/outreach-dispatcher/internal/repository"
)

type Store struct {
	Jobs         *Jobs
	Senders      *Senders
	Domains      *Domains
	Suppressions *Suppressions
	Locks        *Locks
	Events       *Events
}

func New() *Store {
	return &Store{
		Jobs:         NewJobs(),
		Senders:      NewSenders(),
		Domains:      NewDomains(),
		Suppressions: NewSuppressions(),
		Locks:        NewLocks(),
		Events:       NewEvents(),
	}
}

var (
	_ repository.JobsRepository        = (*Jobs)(nil)
	_ repository.SendersRepository     = (*Senders)(nil)
	_ repository.DomainsRepository     = (*Domains)(nil)
	_ repository.SuppressionRepository = (*Suppressions)(nil)
	_ repository.LockStore             = (*Locks)(nil)
	_ repository.EventsRepository      = (*Events)(nil)
)
