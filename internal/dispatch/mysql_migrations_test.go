package dispatch

import (
	"strings"
	"testing"
)

func TestEmbeddedMigrationsContainJobSchema(t *testing.T) {
	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("加载内嵌迁移失败: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("未发现任何内嵌迁移文件")
	}

	first := files[0]
	if first.version != "0001" {
		t.Fatalf("首个迁移版本 = %q, 期望 0001", first.version)
	}
	joined := strings.Join(first.statements, "\n")
	if !strings.Contains(joined, "CREATE TABLE IF NOT EXISTS plan_jobs") {
		t.Fatalf("首个迁移缺少 plan_jobs 建表语句: %s", joined)
	}

	for i := 1; i < len(files); i++ {
		if files[i].version < files[i-1].version {
			t.Fatalf("迁移未按版本排序: %s 在 %s 之后", files[i].name, files[i-1].name)
		}
	}
}

func TestSplitSQLStatements(t *testing.T) {
	statements := splitSQLStatements("CREATE TABLE a (id INT);\n\nINSERT INTO a VALUES (1);\n;")
	if len(statements) != 2 {
		t.Fatalf("语句数 = %d, 期望 2: %v", len(statements), statements)
	}
	if statements[0] != "CREATE TABLE a (id INT)" {
		t.Fatalf("首条语句被破坏: %q", statements[0])
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_plan_jobs.sql": "0001",
		"0002_add_index.sql":        "0002",
		"standalone.sql":            "standalone",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, 期望 %q", name, got, want)
		}
	}
}
