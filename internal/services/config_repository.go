package services

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"gorm.io/gorm"

	"github.com/wafportal/backend/internal/cluster"
	"github.com/wafportal/backend/internal/models"
)

// ConfigRepository maps the replicable tables to and from cluster snapshots.
type ConfigRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewConfigRepository(db *gorm.DB) *ConfigRepository {
	return &ConfigRepository{db: db, now: time.Now}
}

// BuildSnapshot reads every replicable collection in one transaction and
// returns a sealed snapshot.
func (r *ConfigRepository) BuildSnapshot(ctx context.Context) (*cluster.Snapshot, error) {
	snap := &cluster.Snapshot{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if snap.Domains, err = readCollection(tx, domainCollection); err != nil {
			return err
		}
		if snap.Certificates, err = readCollection(tx, certificateCollection); err != nil {
			return err
		}
		if snap.RuleSets, err = readCollection(tx, ruleSetCollection); err != nil {
			return err
		}
		if snap.ACLRules, err = readCollection(tx, aclCollection); err != nil {
			return err
		}
		if snap.Channels, err = readCollection(tx, channelCollection); err != nil {
			return err
		}
		if snap.AlertRules, err = readCollection(tx, alertCollection); err != nil {
			return err
		}
		if snap.Users, err = readCollection(tx, userCollection); err != nil {
			return err
		}
		if snap.ProxyBlocks, err = readCollection(tx, proxyBlockCollection); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}
	if err := snap.Seal(r.now()); err != nil {
		return nil, err
	}
	return snap, nil
}

// Apply makes local configuration equal to snap: entities are matched by
// UUID, changed ones updated, new ones created and missing ones deleted.
// Either every collection is applied or none is.
func (r *ConfigRepository) Apply(ctx context.Context, snap *cluster.Snapshot) (int, error) {
	if snap == nil {
		return 0, cluster.ValidationErrorf("snapshot is required")
	}

	total := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		steps := []func() (int, error){
			func() (int, error) { return applyCollection(tx, certificateCollection, snap.Certificates) },
			func() (int, error) { return applyCollection(tx, ruleSetCollection, snap.RuleSets) },
			func() (int, error) { return applyCollection(tx, domainCollection, snap.Domains) },
			func() (int, error) { return applyCollection(tx, aclCollection, snap.ACLRules) },
			func() (int, error) { return applyCollection(tx, channelCollection, snap.Channels) },
			func() (int, error) { return applyCollection(tx, alertCollection, snap.AlertRules) },
			func() (int, error) { return applyCollection(tx, userCollection, snap.Users) },
			func() (int, error) { return applyCollection(tx, proxyBlockCollection, snap.ProxyBlocks) },
		}
		for _, step := range steps {
			n, err := step()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// collection describes how one table maps onto its snapshot form.
type collection[M any, S any] struct {
	name     string
	toSpec   func(M) S
	fromSpec func(S) M
	key      func(S) string
	// keep copies node-local fields (primary key, timestamps, secrets)
	// from the existing row onto the replacement.
	keep func(dst *M, existing M)
}

func readCollection[M any, S any](tx *gorm.DB, c collection[M, S]) ([]S, error) {
	var rows []M
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read %s: %w", c.name, err)
	}
	out := make([]S, 0, len(rows))
	for _, row := range rows {
		out = append(out, c.toSpec(row))
	}
	return out, nil
}

func applyCollection[M any, S any](tx *gorm.DB, c collection[M, S], incoming []S) (int, error) {
	var rows []M
	if err := tx.Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("read %s: %w", c.name, err)
	}
	existing := make(map[string]M, len(rows))
	for _, row := range rows {
		existing[c.key(c.toSpec(row))] = row
	}

	seen := make(map[string]struct{}, len(incoming))
	for _, spec := range incoming {
		key := c.key(spec)
		if key == "" {
			return 0, cluster.ValidationErrorf("%s entry without uuid", c.name)
		}
		if _, dup := seen[key]; dup {
			return 0, cluster.ValidationErrorf("duplicate %s uuid %s", c.name, key)
		}
		seen[key] = struct{}{}
	}

	// Deletes go first so a rename onto a removed entity's unique name succeeds.
	changes := 0
	for key, row := range existing {
		if _, ok := seen[key]; ok {
			continue
		}
		if err := tx.Delete(&row).Error; err != nil {
			return 0, fmt.Errorf("delete %s %s: %w", c.name, key, err)
		}
		changes++
	}

	for _, spec := range incoming {
		key := c.key(spec)
		row := c.fromSpec(spec)
		if cur, ok := existing[key]; ok {
			if reflect.DeepEqual(c.toSpec(cur), spec) {
				continue
			}
			c.keep(&row, cur)
			if err := tx.Save(&row).Error; err != nil {
				return 0, fmt.Errorf("update %s %s: %w", c.name, key, err)
			}
		} else if err := tx.Create(&row).Error; err != nil {
			return 0, fmt.Errorf("create %s %s: %w", c.name, key, err)
		}
		changes++
	}
	return changes, nil
}

var domainCollection = collection[models.Domain, cluster.DomainSpec]{
	name: "domain",
	toSpec: func(m models.Domain) cluster.DomainSpec {
		return cluster.DomainSpec{
			UUID: m.UUID, Name: m.Name,
			UpstreamScheme: m.UpstreamScheme, UpstreamHost: m.UpstreamHost, UpstreamPort: m.UpstreamPort,
			CertificateUUID: m.CertificateUUID, ModSecMode: m.ModSecMode, RuleSetUUID: m.RuleSetUUID,
			SSLForced: m.SSLForced, HTTP2: m.HTTP2, Enabled: m.Enabled,
		}
	},
	fromSpec: func(s cluster.DomainSpec) models.Domain {
		return models.Domain{
			UUID: s.UUID, Name: s.Name,
			UpstreamScheme: s.UpstreamScheme, UpstreamHost: s.UpstreamHost, UpstreamPort: s.UpstreamPort,
			CertificateUUID: s.CertificateUUID, ModSecMode: s.ModSecMode, RuleSetUUID: s.RuleSetUUID,
			SSLForced: s.SSLForced, HTTP2: s.HTTP2, Enabled: s.Enabled,
		}
	},
	key: func(s cluster.DomainSpec) string { return s.UUID },
	keep: func(dst *models.Domain, cur models.Domain) {
		dst.ID, dst.CreatedAt = cur.ID, cur.CreatedAt
	},
}

var certificateCollection = collection[models.SSLCertificate, cluster.CertificateSpec]{
	name: "certificate",
	toSpec: func(m models.SSLCertificate) cluster.CertificateSpec {
		return cluster.CertificateSpec{
			UUID: m.UUID, Name: m.Name, Provider: m.Provider, Domains: m.Domains,
			Certificate: m.Certificate, PrivateKey: m.PrivateKey,
		}
	},
	fromSpec: func(s cluster.CertificateSpec) models.SSLCertificate {
		return models.SSLCertificate{
			UUID: s.UUID, Name: s.Name, Provider: s.Provider, Domains: s.Domains,
			Certificate: s.Certificate, PrivateKey: s.PrivateKey,
		}
	},
	key: func(s cluster.CertificateSpec) string { return s.UUID },
	keep: func(dst *models.SSLCertificate, cur models.SSLCertificate) {
		dst.ID, dst.CreatedAt = cur.ID, cur.CreatedAt
	},
}

var ruleSetCollection = collection[models.ModSecRuleSet, cluster.RuleSetSpec]{
	name: "rule set",
	toSpec: func(m models.ModSecRuleSet) cluster.RuleSetSpec {
		return cluster.RuleSetSpec{
			UUID: m.UUID, Name: m.Name, CRSEnabled: m.CRSEnabled,
			ParanoiaLevel: m.ParanoiaLevel, AnomalyThreshold: m.AnomalyThreshold,
			DisabledRuleIDs: m.DisabledRuleIDs, CustomRules: m.CustomRules,
		}
	},
	fromSpec: func(s cluster.RuleSetSpec) models.ModSecRuleSet {
		return models.ModSecRuleSet{
			UUID: s.UUID, Name: s.Name, CRSEnabled: s.CRSEnabled,
			ParanoiaLevel: s.ParanoiaLevel, AnomalyThreshold: s.AnomalyThreshold,
			DisabledRuleIDs: s.DisabledRuleIDs, CustomRules: s.CustomRules,
		}
	},
	key: func(s cluster.RuleSetSpec) string { return s.UUID },
	keep: func(dst *models.ModSecRuleSet, cur models.ModSecRuleSet) {
		dst.ID, dst.CreatedAt = cur.ID, cur.CreatedAt
	},
}

var aclCollection = collection[models.ACLRule, cluster.ACLRuleSpec]{
	name: "acl rule",
	toSpec: func(m models.ACLRule) cluster.ACLRuleSpec {
		return cluster.ACLRuleSpec{
			UUID: m.UUID, Name: m.Name, Type: m.Type, IPRules: m.IPRules,
			DomainUUID: m.DomainUUID, Enabled: m.Enabled,
		}
	},
	fromSpec: func(s cluster.ACLRuleSpec) models.ACLRule {
		return models.ACLRule{
			UUID: s.UUID, Name: s.Name, Type: s.Type, IPRules: s.IPRules,
			DomainUUID: s.DomainUUID, Enabled: s.Enabled,
		}
	},
	key: func(s cluster.ACLRuleSpec) string { return s.UUID },
	keep: func(dst *models.ACLRule, cur models.ACLRule) {
		dst.ID, dst.CreatedAt = cur.ID, cur.CreatedAt
	},
}

var channelCollection = collection[models.NotificationChannel, cluster.ChannelSpec]{
	name: "notification channel",
	toSpec: func(m models.NotificationChannel) cluster.ChannelSpec {
		return cluster.ChannelSpec{
			UUID: m.ID, Name: m.Name, Type: m.Type, URL: m.URL, Config: m.Config,
			Template: m.Template, Enabled: m.Enabled,
			NotifyCluster: m.NotifyCluster, NotifyAlerts: m.NotifyAlerts,
			NotifyCerts: m.NotifyCerts, NotifyDomains: m.NotifyDomains,
		}
	},
	fromSpec: func(s cluster.ChannelSpec) models.NotificationChannel {
		return models.NotificationChannel{
			ID: s.UUID, Name: s.Name, Type: s.Type, URL: s.URL, Config: s.Config,
			Template: s.Template, Enabled: s.Enabled,
			NotifyCluster: s.NotifyCluster, NotifyAlerts: s.NotifyAlerts,
			NotifyCerts: s.NotifyCerts, NotifyDomains: s.NotifyDomains,
		}
	},
	key: func(s cluster.ChannelSpec) string { return s.UUID },
	keep: func(dst *models.NotificationChannel, cur models.NotificationChannel) {
		dst.CreatedAt = cur.CreatedAt
	},
}

var alertCollection = collection[models.AlertRule, cluster.AlertRuleSpec]{
	name: "alert rule",
	toSpec: func(m models.AlertRule) cluster.AlertRuleSpec {
		return cluster.AlertRuleSpec{
			UUID: m.UUID, Name: m.Name, Metric: m.Metric, Threshold: m.Threshold,
			WindowSeconds: m.WindowSeconds, ChannelID: m.ChannelID, Enabled: m.Enabled,
		}
	},
	fromSpec: func(s cluster.AlertRuleSpec) models.AlertRule {
		return models.AlertRule{
			UUID: s.UUID, Name: s.Name, Metric: s.Metric, Threshold: s.Threshold,
			WindowSeconds: s.WindowSeconds, ChannelID: s.ChannelID, Enabled: s.Enabled,
		}
	},
	key: func(s cluster.AlertRuleSpec) string { return s.UUID },
	keep: func(dst *models.AlertRule, cur models.AlertRule) {
		dst.ID, dst.CreatedAt = cur.ID, cur.CreatedAt
	},
}

var userCollection = collection[models.User, cluster.UserSpec]{
	name: "user",
	toSpec: func(m models.User) cluster.UserSpec {
		return cluster.UserSpec{
			UUID: m.UUID, Email: m.Email, Name: m.Name, Role: m.Role,
			PasswordHash: m.PasswordHash, Enabled: m.Enabled,
		}
	},
	fromSpec: func(s cluster.UserSpec) models.User {
		return models.User{
			UUID: s.UUID, Email: s.Email, Name: s.Name, Role: s.Role,
			PasswordHash: s.PasswordHash, Enabled: s.Enabled,
		}
	},
	key: func(s cluster.UserSpec) string { return s.UUID },
	keep: func(dst *models.User, cur models.User) {
		dst.ID, dst.CreatedAt = cur.ID, cur.CreatedAt
		dst.APIKey = cur.APIKey
		dst.FailedLoginAttempts = cur.FailedLoginAttempts
		dst.LockedUntil = cur.LockedUntil
		dst.LastLogin = cur.LastLogin
	},
}

var proxyBlockCollection = collection[models.ProxyConfigBlock, cluster.ProxyBlockSpec]{
	name: "proxy block",
	toSpec: func(m models.ProxyConfigBlock) cluster.ProxyBlockSpec {
		return cluster.ProxyBlockSpec{
			UUID: m.UUID, Name: m.Name, Context: m.Context, DomainUUID: m.DomainUUID,
			Content: m.Content, SortOrder: m.SortOrder, Enabled: m.Enabled,
		}
	},
	fromSpec: func(s cluster.ProxyBlockSpec) models.ProxyConfigBlock {
		return models.ProxyConfigBlock{
			UUID: s.UUID, Name: s.Name, Context: s.Context, DomainUUID: s.DomainUUID,
			Content: s.Content, SortOrder: s.SortOrder, Enabled: s.Enabled,
		}
	},
	key: func(s cluster.ProxyBlockSpec) string { return s.UUID },
	keep: func(dst *models.ProxyConfigBlock, cur models.ProxyConfigBlock) {
		dst.ID, dst.CreatedAt = cur.ID, cur.CreatedAt
	},
}
