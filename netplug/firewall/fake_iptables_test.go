// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package firewall

import (
	"fmt"
	"strings"
)

// fakeIptables keeps the rules of one address family in memory and
// reproduces the iptables behaviours the backend relies on.
type fakeIptables struct {
	tables  map[string]map[string][]string
	builtin map[string]bool
}

func newFakeIptables() *fakeIptables {
	f := &fakeIptables{
		tables:  make(map[string]map[string][]string),
		builtin: make(map[string]bool),
	}
	for table, chains := range map[string][]string{
		tableNAT:    {chainPrerouting, "INPUT", chainOutput, chainPostrouting},
		tableFilter: {"INPUT", chainForward, chainOutput},
	} {
		f.tables[table] = make(map[string][]string)
		for _, c := range chains {
			f.tables[table][c] = nil
			f.builtin[table+"/"+c] = true
		}
	}
	return f
}

func (f *fakeIptables) chain(table, chain string) ([]string, error) {
	rules, ok := f.tables[table][chain]
	if !ok {
		return nil, fmt.Errorf("iptables: No chain/target/match by that name (%s/%s)", table, chain)
	}
	return rules, nil
}

func (f *fakeIptables) rules(table, chain string) []string {
	return f.tables[table][chain]
}

func (f *fakeIptables) Exists(table, chain string, rulespec ...string) (bool, error) {
	rules, err := f.chain(table, chain)
	if err != nil {
		return false, err
	}
	spec := strings.Join(rulespec, " ")
	for _, r := range rules {
		if r == spec {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIptables) Insert(table, chain string, pos int, rulespec ...string) error {
	rules, err := f.chain(table, chain)
	if err != nil {
		return err
	}
	if err := f.checkTarget(table, rulespec); err != nil {
		return err
	}
	idx := pos - 1
	if idx < 0 || idx > len(rules) {
		return fmt.Errorf("iptables: Index of insertion too big")
	}
	rules = append(rules[:idx], append([]string{strings.Join(rulespec, " ")}, rules[idx:]...)...)
	f.tables[table][chain] = rules
	return nil
}

func (f *fakeIptables) Append(table, chain string, rulespec ...string) error {
	rules, err := f.chain(table, chain)
	if err != nil {
		return err
	}
	if err := f.checkTarget(table, rulespec); err != nil {
		return err
	}
	f.tables[table][chain] = append(rules, strings.Join(rulespec, " "))
	return nil
}

// checkTarget rejects jumps to chains that do not exist.
func (f *fakeIptables) checkTarget(table string, rulespec []string) error {
	for i := 0; i+1 < len(rulespec); i++ {
		if rulespec[i] != "-j" {
			continue
		}
		target := rulespec[i+1]
		if !strings.HasPrefix(target, "KATA-") {
			return nil
		}
		if _, ok := f.tables[table][target]; !ok {
			return fmt.Errorf("iptables: Couldn't load target `%s'", target)
		}
	}
	return nil
}

func (f *fakeIptables) Delete(table, chain string, rulespec ...string) error {
	rules, err := f.chain(table, chain)
	if err != nil {
		return err
	}
	spec := strings.Join(rulespec, " ")
	for i, r := range rules {
		if r == spec {
			f.tables[table][chain] = append(rules[:i:i], rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("iptables: Bad rule (does a matching rule exist in that chain?)")
}

func (f *fakeIptables) List(table, chain string) ([]string, error) {
	rules, err := f.chain(table, chain)
	if err != nil {
		return nil, err
	}
	header := "-N " + chain
	if f.builtin[table+"/"+chain] {
		header = "-P " + chain + " ACCEPT"
	}
	lines := []string{header}
	for _, r := range rules {
		lines = append(lines, "-A "+chain+" "+r)
	}
	return lines, nil
}

func (f *fakeIptables) ChainExists(table, chain string) (bool, error) {
	_, ok := f.tables[table][chain]
	return ok, nil
}

func (f *fakeIptables) NewChain(table, chain string) error {
	if _, ok := f.tables[table][chain]; ok {
		return fmt.Errorf("iptables: Chain already exists")
	}
	f.tables[table][chain] = nil
	return nil
}

func (f *fakeIptables) ClearChain(table, chain string) error {
	f.tables[table][chain] = nil
	return nil
}

func (f *fakeIptables) DeleteChain(table, chain string) error {
	rules, err := f.chain(table, chain)
	if err != nil {
		return err
	}
	if len(rules) > 0 {
		return fmt.Errorf("iptables: Directory not empty")
	}
	for c, rs := range f.tables[table] {
		for _, r := range rs {
			if strings.HasSuffix(r, "-j "+chain) || strings.Contains(r, "-j "+chain+" ") {
				return fmt.Errorf("iptables: Too many links (referenced from %s)", c)
			}
		}
	}
	delete(f.tables[table], chain)
	return nil
}

// count returns how many rules of a chain contain all the given fragments.
func (f *fakeIptables) count(table, chain string, fragments ...string) int {
	n := 0
	for _, r := range f.tables[table][chain] {
		matched := true
		for _, frag := range fragments {
			if !strings.Contains(r, frag) {
				matched = false
				break
			}
		}
		if matched {
			n++
		}
	}
	return n
}

// total returns the number of rules across every chain.
func (f *fakeIptables) total() int {
	n := 0
	for _, chains := range f.tables {
		for _, rules := range chains {
			n += len(rules)
		}
	}
	return n
}

// quotingIptables lists rules the way iptables builds that always quote
// comments print them.
type quotingIptables struct {
	*fakeIptables
}

func (q quotingIptables) List(table, chain string) ([]string, error) {
	lines, err := q.fakeIptables.List(table, chain)
	if err != nil {
		return nil, err
	}
	for i, line := range lines {
		fields := strings.Fields(line)
		for j := 0; j+1 < len(fields); j++ {
			if fields[j] == "--comment" {
				fields[j+1] = `"` + fields[j+1] + `"`
			}
		}
		lines[i] = strings.Join(fields, " ")
	}
	return lines, nil
}
