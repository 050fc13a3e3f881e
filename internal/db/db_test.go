package db

import (
	"strings"
	"testing"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := OpenMemory(t.Name())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return gormDB
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want []string
	}{
		{
			name: "default local",
			cfg:  config.DatabaseConfig{Host: "127.0.0.1", Port: 3306, Name: "switchyard", User: "root"},
			want: []string{"root@tcp(127.0.0.1:3306)/switchyard", "parseTime=true"},
		},
		{
			name: "credentials and custom port",
			cfg:  config.DatabaseConfig{Host: "10.0.0.5", Port: 3307, Name: "sy", User: "engine", Password: "pw"},
			want: []string{"engine:pw@tcp(10.0.0.5:3307)/sy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("DSN() = %q, want to contain %q", got, w)
				}
			}
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	got := SQLiteDSN("/var/lib/switchyard.db")
	if !strings.HasPrefix(got, "/var/lib/switchyard.db?") {
		t.Errorf("SQLiteDSN() = %q", got)
	}
	if !strings.Contains(got, "_busy_timeout=") {
		t.Errorf("SQLiteDSN() missing busy timeout: %q", got)
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestConnect_SQLiteFile(t *testing.T) {
	path := t.TempDir() + "/switchyard.db"
	gormDB, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gormDB); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !gormDB.Migrator().HasTable(m) {
			t.Errorf("table for %T missing", m)
		}
	}
}

func TestAllModels_Count(t *testing.T) {
	if n := len(AllModels()); n != 8 {
		t.Errorf("AllModels() returned %d models, want 8", n)
	}
}

func TestOpenMemory_Isolated(t *testing.T) {
	a, err := OpenMemory("isolated-a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := OpenMemory("isolated-b")
	if err != nil {
		t.Fatal(err)
	}
	a.Create(&models.Keyword{Keyword: "MATH", FlowID: "lessons", Active: true})

	var count int64
	b.Model(&models.Keyword{}).Count(&count)
	if count != 0 {
		t.Errorf("memory databases share state: count = %d", count)
	}
}

func TestSeedCatalog(t *testing.T) {
	gormDB := openTestDB(t)
	cat, err := ParseCatalog([]byte(testCatalogYAML))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}

	res, err := SeedCatalog(gormDB, cat)
	if err != nil {
		t.Fatalf("SeedCatalog: %v", err)
	}
	if res.Keywords != 1 || res.Rules != 4 || res.Flows != 1 || res.Targeting != 2 {
		t.Errorf("SeedResult = %+v", res)
	}

	var kw models.Keyword
	if err := gormDB.First(&kw).Error; err != nil {
		t.Fatal(err)
	}
	if kw.Keyword != "MATH" || !kw.Active {
		t.Errorf("keyword = %+v, want upper-cased and active", kw)
	}

	var flow models.Flow
	if err := gormDB.Preload("Nodes").First(&flow, "id = ? AND version = ?", "lessons", 1).Error; err != nil {
		t.Fatalf("load flow: %v", err)
	}
	if len(flow.Nodes) != 4 {
		t.Fatalf("len(Nodes) = %d, want 4", len(flow.Nodes))
	}
	var subject models.FlowNode
	for _, n := range flow.Nodes {
		if n.NodeID == "subject" {
			subject = n
		}
	}
	if subject.InputSpec != models.InputNumericChoice {
		t.Errorf("menu InputSpec = %q, want default %q", subject.InputSpec, models.InputNumericChoice)
	}
	if opts := subject.MenuOptions(); len(opts) != 2 || opts[0].Value != "MATH" {
		t.Errorf("options = %+v", opts)
	}

	var rule models.ContentTargetingRule
	if err := gormDB.First(&rule, "rule_name = ?", "math-5-6").Error; err != nil {
		t.Fatal(err)
	}
	if rule.Subject == nil || *rule.Subject != "MATH" || rule.Language != nil {
		t.Errorf("targeting rule = %+v", rule)
	}
}

func TestSeedCatalog_Idempotent(t *testing.T) {
	gormDB := openTestDB(t)
	cat, err := ParseCatalog([]byte(testCatalogYAML))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := SeedCatalog(gormDB, cat); err != nil {
		t.Fatal(err)
	}
	res, err := SeedCatalog(gormDB, cat)
	if err != nil {
		t.Fatalf("second SeedCatalog: %v", err)
	}
	if res.FlowsSkipped != 1 || res.Flows != 0 {
		t.Errorf("published flow should be skipped: %+v", res)
	}

	for _, tc := range []struct {
		model interface{}
		want  int64
	}{
		{&models.Keyword{}, 1},
		{&models.RoutingRule{}, 4},
		{&models.Flow{}, 1},
		{&models.ContentTargetingRule{}, 2},
	} {
		var count int64
		gormDB.Model(tc.model).Count(&count)
		if count != tc.want {
			t.Errorf("%T count = %d, want %d", tc.model, count, tc.want)
		}
	}
}

func TestSeedCatalog_RejectsUnknownMatcher(t *testing.T) {
	gormDB := openTestDB(t)
	cat := &Catalog{Rules: []RuleSeed{{Channel: "sms", Priority: 1, Matcher: "nlu"}}}
	_, err := SeedCatalog(gormDB, cat)
	if err == nil {
		t.Fatal("expected error for unknown matcher")
	}
	if !strings.Contains(err.Error(), `unknown matcher "nlu"`) {
		t.Errorf("error = %q", err.Error())
	}
}

func TestSeedCatalog_NewFlowVersion(t *testing.T) {
	gormDB := openTestDB(t)
	cat, _ := ParseCatalog([]byte(testCatalogYAML))
	if _, err := SeedCatalog(gormDB, cat); err != nil {
		t.Fatal(err)
	}

	v2 := cat.Flows[0]
	v2.Version = 2
	v2.Name = "Lesson finder v2"
	res, err := SeedCatalog(gormDB, &Catalog{Flows: []FlowSeed{v2}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Flows != 1 {
		t.Errorf("Flows = %d, want 1", res.Flows)
	}

	var v1 models.Flow
	gormDB.First(&v1, "id = ? AND version = ?", "lessons", 1)
	if v1.Name != "Lesson finder" {
		t.Errorf("v1 was modified: %q", v1.Name)
	}
}

func TestLoadCatalog_Missing(t *testing.T) {
	_, err := LoadCatalog("/nonexistent/catalog.yaml")
	if err == nil || !strings.Contains(err.Error(), "db: read catalog") {
		t.Errorf("err = %v", err)
	}
}
