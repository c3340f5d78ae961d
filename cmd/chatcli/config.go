package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mbeoliero/chatsync/sdk"
)

type clientConfig struct {
	Server struct {
		APIURL string `mapstructure:"api_url"`
		WSURL  string `mapstructure:"ws_url"`
	} `mapstructure:"server"`
	PlatformId int    `mapstructure:"platform_id"`
	DataDir    string `mapstructure:"data_dir"`
	PageSize   int    `mapstructure:"page_size"`
}

// credential is what login leaves behind for the other commands
type credential struct {
	Token  string `mapstructure:"token"`
	UserId string `mapstructure:"user_id"`
}

var cfg clientConfig

func loadConfig(path string, flags *pflag.FlagSet) error {
	_ = godotenv.Load()

	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("CHATSYNC_CLIENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.api_url", "http://127.0.0.1:8080")
	viper.SetDefault("server.ws_url", "ws://127.0.0.1:8080/ws")
	viper.SetDefault("platform_id", sdk.PlatformIdCLI)
	viper.SetDefault("page_size", sdk.DefaultPageLimit)
	if home, err := os.UserHomeDir(); err == nil {
		viper.SetDefault("data_dir", filepath.Join(home, ".chatsync"))
	}

	_ = viper.BindPFlag("server.api_url", flags.Lookup("api"))
	_ = viper.BindPFlag("server.ws_url", flags.Lookup("ws"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

func credentialPath() string {
	return filepath.Join(cfg.DataDir, "credential.yaml")
}

func cachePath(userId string) string {
	return filepath.Join(cfg.DataDir, userId+".db")
}

func saveCredential(c credential) error {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	v := viper.New()
	v.Set("token", c.Token)
	v.Set("user_id", c.UserId)
	if err := v.WriteConfigAs(credentialPath()); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return os.Chmod(credentialPath(), 0600)
}

func loadCredential() (credential, error) {
	v := viper.New()
	v.SetConfigFile(credentialPath())
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return credential{}, fmt.Errorf("not logged in, run `chatcli login` first: %w", err)
	}
	var c credential
	if err := v.Unmarshal(&c); err != nil {
		return credential{}, fmt.Errorf("failed to read credential: %w", err)
	}
	if c.Token == "" || c.UserId == "" {
		return credential{}, errors.New("not logged in, run `chatcli login` first")
	}
	return c, nil
}
