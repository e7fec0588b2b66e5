// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package firewall

import (
	"fmt"

	"github.com/google/nftables"
)

// fakeNftables applies changes immediately and counts flushes.
type fakeNftables struct {
	tables     []*nftables.Table
	chains     []*nftables.Chain
	rules      map[string][]*nftables.Rule
	nextHandle uint64
	flushes    int
	listErr    error
}

func newFakeNftables() *fakeNftables {
	return &fakeNftables{rules: make(map[string][]*nftables.Rule), nextHandle: 1}
}

func (f *fakeNftables) driver(lock *Lock) *nftablesDriver {
	return &nftablesDriver{
		lock:    lock,
		newConn: func() (nftConn, error) { return f, nil },
	}
}

func (f *fakeNftables) ListTables() ([]*nftables.Table, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tables, nil
}

func (f *fakeNftables) AddTable(t *nftables.Table) *nftables.Table {
	f.tables = append(f.tables, t)
	return t
}

func (f *fakeNftables) ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error) {
	var chains []*nftables.Chain
	for _, c := range f.chains {
		if c.Table.Family == family {
			chains = append(chains, c)
		}
	}
	return chains, nil
}

func (f *fakeNftables) AddChain(c *nftables.Chain) *nftables.Chain {
	f.chains = append(f.chains, c)
	return c
}

func (f *fakeNftables) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	if c == nil {
		return nil, fmt.Errorf("no such chain")
	}
	return append([]*nftables.Rule(nil), f.rules[c.Name]...), nil
}

func (f *fakeNftables) AddRule(r *nftables.Rule) *nftables.Rule {
	r.Handle = f.nextHandle
	f.nextHandle++
	f.rules[r.Chain.Name] = append(f.rules[r.Chain.Name], r)
	return r
}

func (f *fakeNftables) DelRule(r *nftables.Rule) error {
	rules := f.rules[r.Chain.Name]
	for i, existing := range rules {
		if existing.Handle == r.Handle {
			f.rules[r.Chain.Name] = append(rules[:i:i], rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule %d not found in %s", r.Handle, r.Chain.Name)
}

func (f *fakeNftables) Flush() error {
	f.flushes++
	return nil
}

func (f *fakeNftables) tagged(chain, userData string) []*nftables.Rule {
	var rules []*nftables.Rule
	for _, r := range f.rules[chain] {
		if string(r.UserData) == userData {
			rules = append(rules, r)
		}
	}
	return rules
}

func (f *fakeNftables) total() int {
	n := 0
	for _, rules := range f.rules {
		n += len(rules)
	}
	return n
}
