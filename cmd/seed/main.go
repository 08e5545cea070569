// Command seed fills a development database with a sample WAF configuration.
package main

import (
	"fmt"
	"log"
	"os"

	"gorm.io/gorm"

	"github.com/wafportal/backend/internal/config"
	"github.com/wafportal/backend/internal/database"
	"github.com/wafportal/backend/internal/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	fmt.Println("✓ Database migrated successfully")

	if err := seed(db, os.Getenv(config.EnvPrefix+"_DEFAULT_ADMIN_EMAIL"), os.Getenv(config.EnvPrefix+"_DEFAULT_ADMIN_PASSWORD")); err != nil {
		log.Fatal(err)
	}

	fmt.Println("\n✓ Database seeding completed successfully!")
	fmt.Println("  Push it to your slaves with POST /api/v1/cluster/slaves/sync-all.")
}

func seed(db *gorm.DB, adminEmail, adminPassword string) error {
	ruleSet := models.ModSecRuleSet{
		Name:             "Default CRS",
		CRSEnabled:       true,
		ParanoiaLevel:    1,
		AnomalyThreshold: 5,
		DisabledRuleIDs:  "920350",
		CustomRules:      `SecRule REQUEST_URI "@beginsWith /wp-admin" "id:100001,phase:1,deny,status:403,msg:'admin path blocked'"`,
	}
	if err := firstOrCreate(db, &ruleSet, "name = ?", ruleSet.Name); err != nil {
		return fmt.Errorf("seed rule set: %w", err)
	}

	domains := []models.Domain{
		{
			Name:           "app.local.dev",
			UpstreamScheme: "http",
			UpstreamHost:   "localhost",
			UpstreamPort:   3000,
			ModSecMode:     models.ModSecModeOn,
			RuleSetUUID:    ruleSet.UUID,
			Enabled:        true,
		},
		{
			Name:           "api.local.dev",
			UpstreamScheme: "http",
			UpstreamHost:   "192.168.1.100",
			UpstreamPort:   8080,
			ModSecMode:     models.ModSecModeDetectionOnly,
			RuleSetUUID:    ruleSet.UUID,
			Enabled:        true,
		},
		{
			Name:           "legacy.local.dev",
			UpstreamScheme: "http",
			UpstreamHost:   "localhost",
			UpstreamPort:   5000,
			ModSecMode:     models.ModSecModeOff,
			Enabled:        false,
		},
	}
	for i := range domains {
		d := &domains[i]
		if err := firstOrCreate(db, d, "name = ?", d.Name); err != nil {
			return fmt.Errorf("seed domain %s: %w", d.Name, err)
		}
	}

	acls := []models.ACLRule{
		{
			Name:       "Office network",
			Type:       "whitelist",
			IPRules:    `[{"cidr":"10.0.0.0/8","description":"office"},{"cidr":"192.168.0.0/16","description":"vpn"}]`,
			DomainUUID: domains[1].UUID,
			Enabled:    true,
		},
		{
			Name:    "Known scanners",
			Type:    "blacklist",
			IPRules: `[{"cidr":"203.0.113.0/24","description":"scanner range"}]`,
			Enabled: true,
		},
	}
	for i := range acls {
		a := &acls[i]
		if err := firstOrCreate(db, a, "name = ?", a.Name); err != nil {
			return fmt.Errorf("seed acl %s: %w", a.Name, err)
		}
	}

	block := models.ProxyConfigBlock{
		Name:    "Compression",
		Context: models.ProxyContextHTTP,
		Content: "gzip on;\ngzip_types text/plain application/json;",
		Enabled: true,
	}
	if err := firstOrCreate(db, &block, "name = ?", block.Name); err != nil {
		return fmt.Errorf("seed proxy block: %w", err)
	}

	return seedAdmin(db, adminEmail, adminPassword)
}

// firstOrCreate inserts v unless a row matching the condition exists, in
// which case v is loaded from it.
func firstOrCreate(db *gorm.DB, v any, query string, args ...any) error {
	result := db.Where(query, args...).FirstOrCreate(v)
	if result.Error != nil {
		return result.Error
	}
	label := fmt.Sprint(args...)
	if result.RowsAffected > 0 {
		fmt.Printf("✓ Created %T: %s\n", v, label)
	} else {
		fmt.Printf("  Already exists: %s\n", label)
	}
	return nil
}

func seedAdmin(db *gorm.DB, email, password string) error {
	if email == "" {
		email = "admin@localhost"
	}

	var existing models.User
	if err := db.Where("email = ?", email).First(&existing).Error; err == nil {
		fmt.Printf("  User already exists: %s\n", existing.Email)
		return nil
	}

	user := models.User{
		Email:   email,
		Name:    "Administrator",
		Role:    "admin",
		Enabled: true,
	}
	// Without a password the account exists but cannot log in until
	// reset-password is run.
	if password != "" {
		if err := user.SetPassword(password); err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
	}
	if err := db.Create(&user).Error; err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	fmt.Printf("✓ Created default user: %s\n", user.Email)
	return nil
}
