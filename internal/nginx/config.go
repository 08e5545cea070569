package nginx

import (
	"encoding/json"
	"fmt"
	"net"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/wafportal/backend/internal/models"
)

// Input is everything read from the store that the rendered configuration
// depends on.
type Input struct {
	Domains      []models.Domain
	Certificates []models.SSLCertificate
	RuleSets     []models.ModSecRuleSet
	ACLRules     []models.ACLRule
	Blocks       []models.ProxyConfigBlock
}

// Bundle is a complete rendered configuration: file contents keyed by path
// relative to the nginx config directory. Bundles are what gets
// snapshotted and rolled back.
type Bundle struct {
	Files map[string]string `json:"files"`
}

const (
	mainFile  = "wafportal.conf"
	certDir   = "certs"
	modsecDir = "modsec"
)

// tokenPattern matches values that are safe to splice into a directive.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-\[\]*]+$`)

var ruleIDPattern = regexp.MustCompile(`^\d+$`)

type serverView struct {
	Domain       models.Domain
	Upstream     string
	CertPath     string
	KeyPath      string
	ModSec       string
	RulesFile    string
	Allow        []string
	Deny         []string
	DenyAll      bool
	ServerBlocks []string
	LocBlocks    []string
}

var mainTemplate = template.Must(template.New("main").Parse(`# Generated by the WAF portal. Local edits are overwritten.
{{range .HTTPBlocks}}
{{.}}
{{end}}
{{- range .Servers}}
server {
    listen 80;
{{- if .CertPath}}
    listen 443 ssl{{if .Domain.HTTP2}} http2{{end}};
    ssl_certificate {{.CertPath}};
    ssl_certificate_key {{.KeyPath}};
{{- end}}
    server_name {{.Domain.Name}};
{{- if and .CertPath .Domain.SSLForced}}

    if ($scheme = http) {
        return 301 https://$host$request_uri;
    }
{{- end}}

    modsecurity {{.ModSec}};
{{- if .RulesFile}}
    modsecurity_rules_file {{.RulesFile}};
{{- end}}
{{- range .Allow}}
    allow {{.}};
{{- end}}
{{- range .Deny}}
    deny {{.}};
{{- end}}
{{- if .DenyAll}}
    deny all;
{{- end}}
{{- range .ServerBlocks}}
    {{.}}
{{- end}}

    location / {
        proxy_pass {{.Upstream}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
{{- range .LocBlocks}}
        {{.}}
{{- end}}
    }
}
{{end}}`))

var modsecTemplate = template.Must(template.New("modsec").Parse(`SecRuleEngine {{.Engine}}
{{- with .RuleSet}}
SecAction "id:900000,phase:1,nolog,pass,t:none,setvar:tx.blocking_paranoia_level={{.ParanoiaLevel}}"
SecAction "id:900110,phase:1,nolog,pass,t:none,setvar:tx.inbound_anomaly_score_threshold={{.AnomalyThreshold}}"
{{- if .CRSEnabled}}
Include {{$.CRSInclude}}
{{- end}}
{{- range $.Removed}}
SecRuleRemoveById {{.}}
{{- end}}
{{- if .CustomRules}}
{{.CustomRules}}
{{- end}}
{{- end}}
`))

// GenerateConfig renders the nginx and ModSecurity files for in. configDir
// is the absolute directory the bundle will be written to; crsInclude is
// the Core Rule Set include glob.
func GenerateConfig(in Input, configDir, crsInclude string) (*Bundle, error) {
	certs := make(map[string]models.SSLCertificate, len(in.Certificates))
	for _, c := range in.Certificates {
		certs[c.UUID] = c
	}
	ruleSets := make(map[string]models.ModSecRuleSet, len(in.RuleSets))
	for _, rs := range in.RuleSets {
		ruleSets[rs.UUID] = rs
	}

	blocks := append([]models.ProxyConfigBlock(nil), in.Blocks...)
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].SortOrder != blocks[j].SortOrder {
			return blocks[i].SortOrder < blocks[j].SortOrder
		}
		return blocks[i].Name < blocks[j].Name
	})

	domains := append([]models.Domain(nil), in.Domains...)
	sort.Slice(domains, func(i, j int) bool { return domains[i].Name < domains[j].Name })

	bundle := &Bundle{Files: make(map[string]string)}
	var httpBlocks []string
	for _, b := range blocks {
		if b.Enabled && b.Context == models.ProxyContextHTTP && b.DomainUUID == "" {
			httpBlocks = append(httpBlocks, strings.TrimSpace(b.Content))
		}
	}

	usedCerts := make(map[string]bool)
	var servers []serverView
	for _, d := range domains {
		if !d.Enabled {
			continue
		}
		view, err := buildServer(d, certs, ruleSets, in.ACLRules, blocks, configDir)
		if err != nil {
			return nil, fmt.Errorf("domain %s: %w", d.Name, err)
		}
		if view.CertPath != "" {
			usedCerts[d.CertificateUUID] = true
		}
		if view.RulesFile != "" {
			rules, err := renderModSec(d, ruleSets, crsInclude)
			if err != nil {
				return nil, fmt.Errorf("domain %s: %w", d.Name, err)
			}
			bundle.Files[path.Join(modsecDir, d.UUID+".conf")] = rules
		}
		servers = append(servers, view)
	}

	for id := range usedCerts {
		c := certs[id]
		bundle.Files[path.Join(certDir, id+".crt")] = strings.TrimSpace(c.Certificate) + "\n"
		bundle.Files[path.Join(certDir, id+".key")] = strings.TrimSpace(c.PrivateKey) + "\n"
	}

	var out strings.Builder
	err := mainTemplate.Execute(&out, map[string]interface{}{
		"HTTPBlocks": httpBlocks,
		"Servers":    servers,
	})
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", mainFile, err)
	}
	bundle.Files[mainFile] = out.String()
	return bundle, nil
}

func buildServer(d models.Domain, certs map[string]models.SSLCertificate, ruleSets map[string]models.ModSecRuleSet,
	acls []models.ACLRule, blocks []models.ProxyConfigBlock, configDir string) (serverView, error) {
	if !tokenPattern.MatchString(d.Name) {
		return serverView{}, fmt.Errorf("invalid server name %q", d.Name)
	}
	if !tokenPattern.MatchString(d.UpstreamHost) {
		return serverView{}, fmt.Errorf("invalid upstream host %q", d.UpstreamHost)
	}
	if d.UpstreamPort < 1 || d.UpstreamPort > 65535 {
		return serverView{}, fmt.Errorf("invalid upstream port %d", d.UpstreamPort)
	}
	scheme := d.UpstreamScheme
	if scheme == "" {
		scheme = "http"
	}
	if scheme != "http" && scheme != "https" {
		return serverView{}, fmt.Errorf("invalid upstream scheme %q", scheme)
	}

	view := serverView{
		Domain:   d,
		Upstream: fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(strings.Trim(d.UpstreamHost, "[]"), strconv.Itoa(d.UpstreamPort))),
		ModSec:   "off",
	}

	if d.CertificateUUID != "" {
		c, ok := certs[d.CertificateUUID]
		if !ok {
			return serverView{}, fmt.Errorf("certificate %s not found", d.CertificateUUID)
		}
		if strings.TrimSpace(c.Certificate) == "" || strings.TrimSpace(c.PrivateKey) == "" {
			return serverView{}, fmt.Errorf("certificate %s has no PEM material", c.Name)
		}
		view.CertPath = path.Join(configDir, certDir, c.UUID+".crt")
		view.KeyPath = path.Join(configDir, certDir, c.UUID+".key")
	}

	switch d.ModSecMode {
	case models.ModSecModeOn, models.ModSecModeDetectionOnly:
		if d.RuleSetUUID != "" {
			if _, ok := ruleSets[d.RuleSetUUID]; !ok {
				return serverView{}, fmt.Errorf("rule set %s not found", d.RuleSetUUID)
			}
		}
		view.ModSec = "on"
		view.RulesFile = path.Join(configDir, modsecDir, d.UUID+".conf")
	case models.ModSecModeOff, "":
	default:
		return serverView{}, fmt.Errorf("unknown modsecurity mode %q", d.ModSecMode)
	}

	for _, rule := range acls {
		if !rule.Enabled || (rule.DomainUUID != "" && rule.DomainUUID != d.UUID) {
			continue
		}
		entries, err := parseACLEntries(rule)
		if err != nil {
			return serverView{}, err
		}
		switch rule.Type {
		case "whitelist":
			view.Allow = append(view.Allow, entries...)
			view.DenyAll = true
		case "blacklist":
			view.Deny = append(view.Deny, entries...)
		default:
			return serverView{}, fmt.Errorf("acl %s: unknown type %q", rule.Name, rule.Type)
		}
	}

	for _, b := range blocks {
		if !b.Enabled || (b.DomainUUID != "" && b.DomainUUID != d.UUID) {
			continue
		}
		content := indent(strings.TrimSpace(b.Content), b.Context)
		switch b.Context {
		case models.ProxyContextServer:
			view.ServerBlocks = append(view.ServerBlocks, content)
		case models.ProxyContextLocation:
			view.LocBlocks = append(view.LocBlocks, content)
		case models.ProxyContextHTTP:
			if b.DomainUUID != "" {
				return serverView{}, fmt.Errorf("proxy block %s: http context cannot target a domain", b.Name)
			}
		}
	}
	return view, nil
}

// parseACLEntries returns the validated addresses of an ACL rule.
func parseACLEntries(rule models.ACLRule) ([]string, error) {
	if strings.TrimSpace(rule.IPRules) == "" {
		return nil, nil
	}
	var entries []models.ACLEntry
	if err := json.Unmarshal([]byte(rule.IPRules), &entries); err != nil {
		return nil, fmt.Errorf("acl %s: invalid ip_rules: %w", rule.Name, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		cidr := strings.TrimSpace(e.CIDR)
		if _, _, err := net.ParseCIDR(cidr); err != nil && net.ParseIP(cidr) == nil {
			return nil, fmt.Errorf("acl %s: invalid address %q", rule.Name, cidr)
		}
		out = append(out, cidr)
	}
	return out, nil
}

func renderModSec(d models.Domain, ruleSets map[string]models.ModSecRuleSet, crsInclude string) (string, error) {
	engine := "On"
	if d.ModSecMode == models.ModSecModeDetectionOnly {
		engine = "DetectionOnly"
	}
	data := map[string]interface{}{"Engine": engine, "CRSInclude": crsInclude}

	if rs, ok := ruleSets[d.RuleSetUUID]; ok {
		if rs.ParanoiaLevel < 1 || rs.ParanoiaLevel > 4 {
			rs.ParanoiaLevel = 1
		}
		if rs.AnomalyThreshold < 1 {
			rs.AnomalyThreshold = 5
		}
		rs.CustomRules = strings.TrimSpace(rs.CustomRules)
		var removed []string
		for _, id := range strings.FieldsFunc(rs.DisabledRuleIDs, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' }) {
			if !ruleIDPattern.MatchString(id) {
				return "", fmt.Errorf("rule set %s: invalid rule id %q", rs.Name, id)
			}
			removed = append(removed, id)
		}
		data["RuleSet"] = rs
		data["Removed"] = removed
	}

	var out strings.Builder
	if err := modsecTemplate.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render modsecurity rules: %w", err)
	}
	return out.String(), nil
}

// indent re-indents a multi-line block to sit inside its context.
func indent(content, context string) string {
	prefix := "    "
	if context == models.ProxyContextLocation {
		prefix = "        "
	}
	return strings.ReplaceAll(content, "\n", "\n"+prefix)
}
