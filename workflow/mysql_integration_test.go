package workflow

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/academy_backend/config"
	"github.com/mmdatafocus/academy_backend/models"
	"gorm.io/gorm"
)

// These run against a throwaway MySQL container: row locks and the
// stable_uid unique index under real concurrency, which SQLite cannot show.

func newMySQLTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}
	name, port := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(name) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", port)
	t.Setenv("DB_NAME", "academy_test")

	db, err := config.ConnectDatabase()
	if err != nil {
		t.Fatalf("connect mysql: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMySQL_ConcurrentMaterializeWritesEachEntryOnce(t *testing.T) {
	db := newMySQLTestDB(t)
	const items = 20
	for i := 0; i < items; i++ {
		mustCreate(t, db, queueItem(fmt.Sprintf("conc-%02d", i), "10.00", baseTime.Add(time.Duration(i)*time.Minute)))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Lock waits and deadlocks surface as errors; the follow-up run drains.
			_, _ = Materialize(opsContext(), db, testLogger(), MaterializeInput{Limit: items})
		}()
	}
	wg.Wait()

	if _, err := Materialize(opsContext(), db, testLogger(), MaterializeInput{Limit: items}); err != nil {
		t.Fatalf("drain run: %v", err)
	}

	if got := countRows(t, db, &models.Payment{}); got != items {
		t.Fatalf("payments = %d, want %d", got, items)
	}
	var distinct int64
	db.Model(&models.Payment{}).Distinct("stable_uid").Count(&distinct)
	if distinct != items {
		t.Fatalf("distinct stable uids = %d", distinct)
	}
}

func TestMySQL_ConcurrentManualLinkHasOneWinner(t *testing.T) {
	db := newMySQLTestDB(t)
	profile := &models.Profile{UserId: intPtr(9), FullName: "Olga Kraft"}
	mustCreate(t, db, profile)
	order := &models.Order{ProfileId: profile.ID, Amount: dec("55.00"), Currency: "BYN", Status: "awaiting_payment"}
	mustCreate(t, db, order)
	item := queueItem("race-link", "55.00", baseTime)
	mustCreate(t, db, item)

	in := LinkInput{QueueItemID: item.ID, OrderID: order.ID, ProfileID: profile.ID}
	outcomes := make([]Outcome[LinkResult], 5)
	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = LinkQueueItem(opsContext(), db, testLogger(), in)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, o := range outcomes {
		switch {
		case o.IsOK():
			ok++
		case o.IsStop() && o.Stop != StopPaymentAlreadyLinked:
			t.Fatalf("unexpected stop: %s %s", o.Stop, o.Message)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one successful link, got %d", ok)
	}
	if got := countRows(t, db, &models.Payment{}); got != 1 {
		t.Fatalf("payments = %d, want 1", got)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("academy-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=academy_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		_ = dockerRmForce(name)
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	_ = dockerRmForce(name)
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// e.g. "127.0.0.1:49154\n"
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
