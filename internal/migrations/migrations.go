package migrations

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"clinical-platform/internal/config"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// RunMigrations применяет миграции к базе данных
func RunMigrations(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("начало применения миграций")

	return withMigrationDB(cfg, logger, func(db *sql.DB, path string) error {
		if err := goose.Up(db, path); err != nil {
			return fmt.Errorf("ошибка применения миграций: %w", err)
		}
		logger.Info("миграции успешно применены")
		return nil
	})
}

// GetMigrationStatus выводит статус миграций
func GetMigrationStatus(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("проверка статуса миграций")

	return withMigrationDB(cfg, logger, func(db *sql.DB, path string) error {
		if err := goose.Status(db, path); err != nil {
			return fmt.Errorf("ошибка получения статуса миграций: %w", err)
		}
		return nil
	})
}

// Version возвращает текущую версию схемы
func Version(cfg *config.Config, logger *zap.Logger) (int64, error) {
	var version int64
	err := withMigrationDB(cfg, logger, func(db *sql.DB, _ string) error {
		v, err := goose.GetDBVersion(db)
		if err != nil {
			return fmt.Errorf("ошибка получения версии схемы: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

// withMigrationDB открывает временное подключение database/sql для goose
func withMigrationDB(cfg *config.Config, logger *zap.Logger, fn func(db *sql.DB, path string) error) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("ошибка установки диалекта: %w", err)
	}

	db, err := sql.Open("postgres", cfg.Database.GetURL())
	if err != nil {
		return fmt.Errorf("ошибка подключения к базе данных для миграций: %w", err)
	}
	defer db.Close()

	return fn(db, getMigrationPath(cfg.Database.MigrationPath, logger))
}

// getMigrationPath определяет путь к миграциям
func getMigrationPath(configPath string, logger *zap.Logger) string {
	if _, err := os.Stat(configPath); err == nil {
		logger.Debug("используем путь к миграциям из конфигурации", zap.String("path", configPath))
		return configPath
	}

	currentDir, err := os.Getwd()
	if err != nil {
		logger.Warn("не удалось получить текущую директорию, используем путь из конфигурации", zap.Error(err))
		return configPath
	}

	candidates := []string{
		filepath.Join(currentDir, "scripts", "migrations"),
		filepath.Join(currentDir, "..", "scripts", "migrations"),
		filepath.Join(currentDir, "..", "..", "scripts", "migrations"),
		"/app/scripts/migrations", // Docker
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			logger.Info("найден путь к миграциям", zap.String("path", path))
			return path
		}
	}

	logger.Warn("директория с миграциями не найдена", zap.String("path", configPath))
	return configPath
}
