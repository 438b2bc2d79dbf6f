// Copyright 2022 The watchhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ResourceDescriptor identifies one upstream resource collection to watch
type ResourceDescriptor struct {
	// Group is the API group. Empty for the core group.
	Group string `json:"group,omitempty" validate:"omitempty,hostname_rfc1123"`
	// Version is the API version
	Version string `json:"version" validate:"required,alphanum"`
	// Resource is the plural resource name
	Resource string `json:"resource" validate:"required,hostname_rfc1123"`
	// Namespace limits the watch to one namespace. Empty means all namespaces.
	Namespace string `json:"namespace,omitempty" validate:"omitempty,hostname_rfc1123,max=63"`
	// LabelSelector is a comma separated list of label selector terms
	LabelSelector string `json:"labelSelector,omitempty"`
	// FieldSelector is a comma separated list of field selector terms
	FieldSelector string `json:"fieldSelector,omitempty"`
}

// String toString function for ResourceDescriptor
func (d ResourceDescriptor) String() string {
	return d.Key()
}

// Validate checks the descriptor fields and selector syntax
func (d ResourceDescriptor) Validate(validate *validator.Validate) error {
	if err := validate.Struct(&d); err != nil {
		return err
	}
	if _, err := ParseSelector(d.LabelSelector, true); err != nil {
		return fmt.Errorf("labelSelector: %w", err)
	}
	if _, err := ParseSelector(d.FieldSelector, false); err != nil {
		return fmt.Errorf("fieldSelector: %w", err)
	}
	return nil
}

// Normalize return a copy of the descriptor with the selectors rewritten in
// canonical form: terms de-duplicated, sorted, and joined by ",".
func (d ResourceDescriptor) Normalize() (ResourceDescriptor, error) {
	labels, err := ParseSelector(d.LabelSelector, true)
	if err != nil {
		return ResourceDescriptor{}, fmt.Errorf("labelSelector: %w", err)
	}
	fields, err := ParseSelector(d.FieldSelector, false)
	if err != nil {
		return ResourceDescriptor{}, fmt.Errorf("fieldSelector: %w", err)
	}
	return ResourceDescriptor{
		Group:         strings.TrimSpace(d.Group),
		Version:       strings.TrimSpace(d.Version),
		Resource:      strings.TrimSpace(d.Resource),
		Namespace:     strings.TrimSpace(d.Namespace),
		LabelSelector: labels.String(),
		FieldSelector: fields.String(),
	}, nil
}

// Key the channel key of a normalized descriptor.
//
// Format is "group/version/resource/namespace", where an empty namespace is "*",
// followed by "?l=<label terms>" and "&f=<field terms>" when selectors are set.
func (d ResourceDescriptor) Key() string {
	namespace := d.Namespace
	if namespace == "" {
		namespace = "*"
	}
	key := fmt.Sprintf("%s/%s/%s/%s", d.Group, d.Version, d.Resource, namespace)
	sep := "?"
	if d.LabelSelector != "" {
		key = fmt.Sprintf("%s%sl=%s", key, sep, d.LabelSelector)
		sep = "&"
	}
	if d.FieldSelector != "" {
		key = fmt.Sprintf("%s%sf=%s", key, sep, d.FieldSelector)
	}
	return key
}

// ===============================================================================
// Selectors

// Selector operators
const (
	SelectorEquals    = "="
	SelectorNotEquals = "!="
	SelectorExists    = "exists"
	SelectorNotExists = "!"
	SelectorIn        = "in"
	SelectorNotIn     = "notin"
)

// SelectorTerm one requirement of a label or field selector
type SelectorTerm struct {
	Key    string
	Op     string
	Values []string
}

// String render the term in canonical form
func (t SelectorTerm) String() string {
	switch t.Op {
	case SelectorExists:
		return t.Key
	case SelectorNotExists:
		return "!" + t.Key
	case SelectorIn, SelectorNotIn:
		return fmt.Sprintf("%s %s (%s)", t.Key, t.Op, strings.Join(t.Values, ","))
	default:
		return fmt.Sprintf("%s%s%s", t.Key, t.Op, t.Values[0])
	}
}

// Matches whether the term is satisfied by a key-value set
func (t SelectorTerm) Matches(values map[string]string) bool {
	value, ok := values[t.Key]
	switch t.Op {
	case SelectorExists:
		return ok
	case SelectorNotExists:
		return !ok
	case SelectorEquals:
		return ok && value == t.Values[0]
	case SelectorNotEquals:
		return !ok || value != t.Values[0]
	case SelectorIn:
		return ok && containsString(t.Values, value)
	case SelectorNotIn:
		return !ok || !containsString(t.Values, value)
	}
	return false
}

// Selector a parsed selector. An empty selector matches everything.
type Selector []SelectorTerm

// String render the selector in canonical form
func (s Selector) String() string {
	rendered := make([]string, len(s))
	for idx, term := range s {
		rendered[idx] = term.String()
	}
	return strings.Join(rendered, ",")
}

// Matches whether all terms are satisfied by a key-value set
func (s Selector) Matches(values map[string]string) bool {
	for _, term := range s {
		if !term.Matches(values) {
			return false
		}
	}
	return true
}

// ParseSelector parse a comma separated selector into sorted, de-duplicated terms.
//
// Supported terms are "k=v", "k==v", "k!=v" and, for label selectors, "k", "!k",
// "k in (a,b)" and "k notin (a,b)".
func ParseSelector(raw string, labels bool) (Selector, error) {
	rawTerms, err := splitSelectorTerms(raw)
	if err != nil {
		return nil, err
	}
	seen := map[string]SelectorTerm{}
	for _, rawTerm := range rawTerms {
		term, err := parseSelectorTerm(rawTerm, labels)
		if err != nil {
			return nil, err
		}
		seen[term.String()] = term
	}
	renderedTerms := make([]string, 0, len(seen))
	for rendered := range seen {
		renderedTerms = append(renderedTerms, rendered)
	}
	sort.Strings(renderedTerms)
	result := make(Selector, len(renderedTerms))
	for idx, rendered := range renderedTerms {
		result[idx] = seen[rendered]
	}
	return result, nil
}

// splitSelectorTerms split on "," outside of parentheses
func splitSelectorTerms(raw string) ([]string, error) {
	terms := []string{}
	depth := 0
	start := 0
	for idx, c := range raw {
		switch c {
		case '(':
			depth++
			if depth > 1 {
				return nil, fmt.Errorf("nested parentheses in selector %q", raw)
			}
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses in selector %q", raw)
			}
		case ',':
			if depth == 0 {
				terms = append(terms, raw[start:idx])
				start = idx + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses in selector %q", raw)
	}
	terms = append(terms, raw[start:])
	result := []string{}
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term != "" {
			result = append(result, term)
		}
	}
	return result, nil
}

func parseSelectorTerm(raw string, labels bool) (SelectorTerm, error) {
	// Set based requirements
	if open := strings.Index(raw, "("); open >= 0 {
		if !labels {
			return SelectorTerm{}, fmt.Errorf("set based term not allowed in field selector: %q", raw)
		}
		if !strings.HasSuffix(raw, ")") {
			return SelectorTerm{}, fmt.Errorf("malformed set based term: %q", raw)
		}
		head := strings.Fields(raw[:open])
		if len(head) != 2 || (head[1] != SelectorIn && head[1] != SelectorNotIn) {
			return SelectorTerm{}, fmt.Errorf("malformed set based term: %q", raw)
		}
		values := []string{}
		for _, value := range strings.Split(raw[open+1:len(raw)-1], ",") {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			if err := checkSelectorToken(value); err != nil {
				return SelectorTerm{}, err
			}
			if !containsString(values, value) {
				values = append(values, value)
			}
		}
		if len(values) == 0 {
			return SelectorTerm{}, fmt.Errorf("empty value set in term: %q", raw)
		}
		if err := checkSelectorToken(head[0]); err != nil {
			return SelectorTerm{}, err
		}
		sort.Strings(values)
		return SelectorTerm{Key: head[0], Op: head[1], Values: values}, nil
	}

	// Equality based requirements
	for _, op := range []string{"!=", "==", "="} {
		if idx := strings.Index(raw, op); idx >= 0 {
			key := strings.TrimSpace(raw[:idx])
			value := strings.TrimSpace(raw[idx+len(op):])
			if key == "" {
				return SelectorTerm{}, fmt.Errorf("missing key in term: %q", raw)
			}
			if err := checkSelectorToken(key); err != nil {
				return SelectorTerm{}, err
			}
			if value != "" {
				if err := checkSelectorToken(value); err != nil {
					return SelectorTerm{}, err
				}
			}
			canonicalOp := SelectorEquals
			if op == "!=" {
				canonicalOp = SelectorNotEquals
			}
			return SelectorTerm{Key: key, Op: canonicalOp, Values: []string{value}}, nil
		}
	}

	// Existence requirements
	if !labels {
		return SelectorTerm{}, fmt.Errorf("field selector term needs an operator: %q", raw)
	}
	if strings.HasPrefix(raw, "!") {
		key := strings.TrimSpace(raw[1:])
		if err := checkSelectorToken(key); err != nil {
			return SelectorTerm{}, err
		}
		return SelectorTerm{Key: key, Op: SelectorNotExists}, nil
	}
	if err := checkSelectorToken(raw); err != nil {
		return SelectorTerm{}, err
	}
	return SelectorTerm{Key: raw, Op: SelectorExists}, nil
}

// checkSelectorToken rejects characters which would break the channel key format
func checkSelectorToken(token string) error {
	if token == "" {
		return fmt.Errorf("empty selector token")
	}
	if strings.ContainsAny(token, " \t\r\n,&?!=()") {
		return fmt.Errorf("illegal character in selector token %q", token)
	}
	return nil
}

func containsString(set []string, value string) bool {
	for _, entry := range set {
		if entry == value {
			return true
		}
	}
	return false
}

// ===============================================================================
// Object matching

type objectMetadata struct {
	Metadata struct {
		Name      string            `json:"name"`
		Namespace string            `json:"namespace"`
		Labels    map[string]string `json:"labels"`
	} `json:"metadata"`
}

// MatchesObject whether a serialized resource object satisfies the descriptor
// namespace and selectors. Field selectors can reference "metadata.name" and
// "metadata.namespace".
func (d ResourceDescriptor) MatchesObject(object json.RawMessage) (bool, error) {
	var meta objectMetadata
	if err := json.Unmarshal(object, &meta); err != nil {
		return false, err
	}
	if d.Namespace != "" && meta.Metadata.Namespace != d.Namespace {
		return false, nil
	}
	labels, err := ParseSelector(d.LabelSelector, true)
	if err != nil {
		return false, err
	}
	labelValues := meta.Metadata.Labels
	if labelValues == nil {
		labelValues = map[string]string{}
	}
	if !labels.Matches(labelValues) {
		return false, nil
	}
	fields, err := ParseSelector(d.FieldSelector, false)
	if err != nil {
		return false, err
	}
	return fields.Matches(map[string]string{
		"metadata.name":      meta.Metadata.Name,
		"metadata.namespace": meta.Metadata.Namespace,
	}), nil
}
