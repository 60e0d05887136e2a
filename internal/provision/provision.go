package provision

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/pressfleet/pressfleet/internal/config"
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidSubdomain reports whether s is usable as a subdomain and, after
// mangling, as a MySQL identifier and bucket name.
func ValidSubdomain(s string) bool {
	return subdomainPattern.MatchString(s)
}

// Resources is everything provisioned for one tenant besides its service.
type Resources struct {
	DBName     string
	DBUser     string
	DBPassword string
	Bucket     string
}

// Provisioner creates the MySQL database and media bucket backing a tenant.
// The WordPress service itself is created by the cluster adapter.
type Provisioner struct {
	mysql   *sql.DB
	storage *minio.Client
	logger  *zap.Logger
	cfg     config.ProvisionConfig
}

func New(cfg config.ProvisionConfig, logger *zap.Logger) (*Provisioner, error) {
	mysqlDB, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql admin connection: %w", err)
	}

	storage, err := minio.New(cfg.StorageURL, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.StorageKey, cfg.StorageSecret, ""),
		Secure: cfg.StorageSecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &Provisioner{
		mysql:   mysqlDB,
		storage: storage,
		logger:  logger,
		cfg:     cfg,
	}, nil
}

func (p *Provisioner) Close() error {
	return p.mysql.Close()
}

func dbIdent(subdomain string) string {
	return "wp_" + strings.ReplaceAll(subdomain, "-", "_")
}

func bucketName(subdomain string) string {
	return "wp-" + subdomain + "-media"
}

// CreateTenantResources provisions the database, database user and media
// bucket for a tenant. All steps are idempotent so a failed provisioning
// request can simply be retried.
func (p *Provisioner) CreateTenantResources(ctx context.Context, subdomain string) (*Resources, error) {
	if !ValidSubdomain(subdomain) {
		return nil, fmt.Errorf("invalid subdomain %q", subdomain)
	}

	res := &Resources{
		DBName:     dbIdent(subdomain),
		DBUser:     dbIdent(subdomain),
		DBPassword: uuid.New().String(),
		Bucket:     bucketName(subdomain),
	}

	// Identifiers cannot be bound as parameters; they are derived from the
	// validated subdomain only.
	stmts := []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4", res.DBName),
		fmt.Sprintf("CREATE USER IF NOT EXISTS '%s'@'%%' IDENTIFIED BY '%s'", res.DBUser, res.DBPassword),
		fmt.Sprintf("ALTER USER '%s'@'%%' IDENTIFIED BY '%s'", res.DBUser, res.DBPassword),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%%'", res.DBName, res.DBUser),
		"FLUSH PRIVILEGES",
	}
	for _, stmt := range stmts {
		if _, err := p.mysql.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to provision tenant database: %w", err)
		}
	}

	exists, err := p.storage.BucketExists(ctx, res.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := p.storage.MakeBucket(ctx, res.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	p.logger.Info("tenant resources provisioned",
		zap.String("subdomain", subdomain),
		zap.String("db_name", res.DBName),
		zap.String("bucket", res.Bucket),
	)
	return res, nil
}

// DropTenantResources removes the database, user and bucket. Buckets that
// still hold objects are emptied first.
func (p *Provisioner) DropTenantResources(ctx context.Context, subdomain string) error {
	if !ValidSubdomain(subdomain) {
		return fmt.Errorf("invalid subdomain %q", subdomain)
	}

	ident := dbIdent(subdomain)
	stmts := []string{
		fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", ident),
		fmt.Sprintf("DROP USER IF EXISTS '%s'@'%%'", ident),
	}
	for _, stmt := range stmts {
		if _, err := p.mysql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to drop tenant database: %w", err)
		}
	}

	bucket := bucketName(subdomain)
	exists, err := p.storage.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		for obj := range p.storage.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true}) {
			if obj.Err != nil {
				return fmt.Errorf("failed to list bucket objects: %w", obj.Err)
			}
			if err := p.storage.RemoveObject(ctx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
				return fmt.Errorf("failed to empty bucket: %w", err)
			}
		}
		if err := p.storage.RemoveBucket(ctx, bucket); err != nil {
			return fmt.Errorf("failed to remove bucket: %w", err)
		}
	}

	p.logger.Info("tenant resources dropped", zap.String("subdomain", subdomain))
	return nil
}

// ServiceEnv builds the WordPress container environment for a tenant.
func (p *Provisioner) ServiceEnv(res *Resources) []string {
	return []string{
		"WORDPRESS_DB_HOST=" + p.cfg.MySQLHost,
		"WORDPRESS_DB_NAME=" + res.DBName,
		"WORDPRESS_DB_USER=" + res.DBUser,
		"WORDPRESS_DB_PASSWORD=" + res.DBPassword,
	}
}
