package cluster

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"github.com/vmihailenco/msgpack/v5"
)

// canonicalVersion is mixed into every hash so a change to the canonical
// encoding never produces a hash that collides with the previous format.
const canonicalVersion = 1

// DomainSpec is the replicated form of models.Domain.
type DomainSpec struct {
	UUID            string `json:"uuid"`
	Name            string `json:"name"`
	UpstreamScheme  string `json:"upstream_scheme"`
	UpstreamHost    string `json:"upstream_host"`
	UpstreamPort    int    `json:"upstream_port"`
	CertificateUUID string `json:"certificate_uuid"`
	ModSecMode      string `json:"modsec_mode"`
	RuleSetUUID     string `json:"rule_set_uuid"`
	SSLForced       bool   `json:"ssl_forced"`
	HTTP2           bool   `json:"http2"`
	Enabled         bool   `json:"enabled"`
}

// CertificateSpec is the replicated form of models.SSLCertificate.
type CertificateSpec struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Domains     string `json:"domains"`
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
}

// RuleSetSpec is the replicated form of models.ModSecRuleSet.
type RuleSetSpec struct {
	UUID             string `json:"uuid"`
	Name             string `json:"name"`
	CRSEnabled       bool   `json:"crs_enabled"`
	ParanoiaLevel    int    `json:"paranoia_level"`
	AnomalyThreshold int    `json:"anomaly_threshold"`
	DisabledRuleIDs  string `json:"disabled_rule_ids"`
	CustomRules      string `json:"custom_rules"`
}

// ACLRuleSpec is the replicated form of models.ACLRule.
type ACLRuleSpec struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	IPRules    string `json:"ip_rules"`
	DomainUUID string `json:"domain_uuid"`
	Enabled    bool   `json:"enabled"`
}

// ChannelSpec is the replicated form of models.NotificationChannel.
type ChannelSpec struct {
	UUID          string `json:"uuid"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	URL           string `json:"url"`
	Config        string `json:"config"`
	Template      string `json:"template"`
	Enabled       bool   `json:"enabled"`
	NotifyCluster bool   `json:"notify_cluster"`
	NotifyAlerts  bool   `json:"notify_alerts"`
	NotifyCerts   bool   `json:"notify_certs"`
	NotifyDomains bool   `json:"notify_domains"`
}

// AlertRuleSpec is the replicated form of models.AlertRule.
type AlertRuleSpec struct {
	UUID          string `json:"uuid"`
	Name          string `json:"name"`
	Metric        string `json:"metric"`
	Threshold     int    `json:"threshold"`
	WindowSeconds int    `json:"window_seconds"`
	ChannelID     string `json:"channel_id"`
	Enabled       bool   `json:"enabled"`
}

// UserSpec is the replicated form of models.User.
type UserSpec struct {
	UUID         string `json:"uuid"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	PasswordHash string `json:"password_hash"`
	Enabled      bool   `json:"enabled"`
}

// ProxyBlockSpec is the replicated form of models.ProxyConfigBlock.
type ProxyBlockSpec struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
	Context    string `json:"context"`
	DomainUUID string `json:"domain_uuid"`
	Content    string `json:"content"`
	SortOrder  int    `json:"sort_order"`
	Enabled    bool   `json:"enabled"`
}

// Snapshot is the complete replicable configuration of a node at one instant.
// Hash covers only the collections; GeneratedAt is informational.
type Snapshot struct {
	Hash        string    `json:"hash"`
	GeneratedAt time.Time `json:"generated_at"`

	Domains      []DomainSpec      `json:"domains"`
	Certificates []CertificateSpec `json:"certificates"`
	RuleSets     []RuleSetSpec     `json:"rule_sets"`
	ACLRules     []ACLRuleSpec     `json:"acl_rules"`
	Channels     []ChannelSpec     `json:"notification_channels"`
	AlertRules   []AlertRuleSpec   `json:"alert_rules"`
	Users        []UserSpec        `json:"users"`
	ProxyBlocks  []ProxyBlockSpec  `json:"proxy_blocks"`
}

// Count returns the total number of entities carried by the snapshot.
func (s *Snapshot) Count() int {
	return len(s.Domains) + len(s.Certificates) + len(s.RuleSets) + len(s.ACLRules) +
		len(s.Channels) + len(s.AlertRules) + len(s.Users) + len(s.ProxyBlocks)
}

// Seal computes the content hash and stamps the snapshot.
func (s *Snapshot) Seal(now time.Time) error {
	h, err := Hash(s)
	if err != nil {
		return err
	}
	s.Hash = h
	s.GeneratedAt = now.UTC()
	return nil
}

// Verify recomputes the content hash and compares it to expected.
func (s *Snapshot) Verify(expected string) error {
	h, err := Hash(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	if h != expected {
		return fmt.Errorf("%w: expected %s, computed %s", ErrIntegrity, shortHash(expected), shortHash(h))
	}
	return nil
}

type canonicalSnapshot struct {
	Version      int               `json:"v"`
	Domains      []DomainSpec      `json:"domains"`
	Certificates []CertificateSpec `json:"certificates"`
	RuleSets     []RuleSetSpec     `json:"rule_sets"`
	ACLRules     []ACLRuleSpec     `json:"acl_rules"`
	Channels     []ChannelSpec     `json:"notification_channels"`
	AlertRules   []AlertRuleSpec   `json:"alert_rules"`
	Users        []UserSpec        `json:"users"`
	ProxyBlocks  []ProxyBlockSpec  `json:"proxy_blocks"`
}

// Hash returns the hex SHA-256 of the canonical encoding of s. Two snapshots
// with the same entities hash equal regardless of collection order, JSON key
// order, or insignificant whitespace.
func Hash(s *Snapshot) (string, error) {
	c := canonicalize(s)

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(c); err != nil {
		return "", fmt.Errorf("encode canonical snapshot: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

func canonicalize(s *Snapshot) canonicalSnapshot {
	c := canonicalSnapshot{
		Version:      canonicalVersion,
		Domains:      sortedCopy(s.Domains, func(v DomainSpec) string { return v.UUID }),
		Certificates: sortedCopy(s.Certificates, func(v CertificateSpec) string { return v.UUID }),
		RuleSets:     sortedCopy(s.RuleSets, func(v RuleSetSpec) string { return v.UUID }),
		ACLRules:     sortedCopy(s.ACLRules, func(v ACLRuleSpec) string { return v.UUID }),
		Channels:     sortedCopy(s.Channels, func(v ChannelSpec) string { return v.UUID }),
		AlertRules:   sortedCopy(s.AlertRules, func(v AlertRuleSpec) string { return v.UUID }),
		Users:        sortedCopy(s.Users, func(v UserSpec) string { return v.UUID }),
		ProxyBlocks:  sortedCopy(s.ProxyBlocks, func(v ProxyBlockSpec) string { return v.UUID }),
	}

	for i := range c.Domains {
		c.Domains[i].Name = strings.ToLower(strings.TrimSpace(c.Domains[i].Name))
	}
	for i := range c.Certificates {
		c.Certificates[i].Certificate = normalizeText(c.Certificates[i].Certificate)
		c.Certificates[i].PrivateKey = normalizeText(c.Certificates[i].PrivateKey)
	}
	for i := range c.RuleSets {
		c.RuleSets[i].CustomRules = normalizeText(c.RuleSets[i].CustomRules)
	}
	for i := range c.ACLRules {
		c.ACLRules[i].IPRules = normalizeJSON(c.ACLRules[i].IPRules)
	}
	for i := range c.Channels {
		c.Channels[i].Config = normalizeJSON(c.Channels[i].Config)
	}
	for i := range c.ProxyBlocks {
		c.ProxyBlocks[i].Content = normalizeText(c.ProxyBlocks[i].Content)
	}
	return c
}

// sortedCopy never returns nil so an empty collection and a missing one
// encode identically.
func sortedCopy[T any](in []T, key func(T) string) []T {
	out := make([]T, len(in))
	copy(out, in)
	slices.SortStableFunc(out, func(a, b T) int {
		return strings.Compare(key(a), key(b))
	})
	return out
}

// normalizeText trims every line, collapses runs of inner whitespace and drops blank lines.
func normalizeText(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// normalizeJSON reduces a JSON (or HuJSON) document to compact form with
// object keys sorted. Values that do not parse fall back to text normalization.
func normalizeJSON(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	v, err := hujson.Parse([]byte(s))
	if err != nil {
		return normalizeText(s)
	}
	v.Standardize()

	dec := json.NewDecoder(bytes.NewReader(v.Pack()))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return normalizeText(s)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return normalizeText(s)
	}
	return string(out)
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
