// Command sshd is the development binary for the SSH transport/connection/
// userauth/SFTP core (spec §6's CLI surface: "sshd [-p port]
// [-io mina|nio2] [-o key=value]..."). It is explicitly out of core scope
// — argument parsing, daemonization, and wiring reference embedder
// collaborators (file-backed KeyProvider/AuthorizedKeyStore, a local PTY
// shell, an SFTP root) — everything an embedder would otherwise supply
// itself.
//
// Flag parsing follows the teacher's cobra-based CLI idiom (the one place
// spec §6 explicitly calls CLI argument parsing a legitimate, if
// out-of-core, concern).
package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/nodeforge/sshd/internal/adminapi"
	"github.com/nodeforge/sshd/internal/channel"
	"github.com/nodeforge/sshd/internal/command"
	"github.com/nodeforge/sshd/internal/config"
	"github.com/nodeforge/sshd/internal/connection"
	"github.com/nodeforge/sshd/internal/forwarding"
	"github.com/nodeforge/sshd/internal/keys"
	"github.com/nodeforge/sshd/internal/server"
	"github.com/nodeforge/sshd/internal/session"
	"github.com/nodeforge/sshd/internal/sftp"
	"github.com/nodeforge/sshd/internal/shell"
	"github.com/nodeforge/sshd/internal/userauth"
	"github.com/nodeforge/sshd/internal/wire"
)

func main() {
	root := &cobra.Command{
		Use:   "sshd",
		Short: "SSH transport/connection/userauth/SFTP core reference daemon",
		RunE:  run,
	}
	root.Flags().IntP("port", "p", 0, "listen port (overrides SSHD_PORT)")
	root.Flags().String("io", "nio2", "I/O backend label, accepted for CLI compatibility (mina|nio2); this daemon always uses Go's net package")
	root.Flags().StringArrayP("option", "o", nil, "config override key=value, repeatable")
	root.Flags().String("admin-addr", "", "bind address for the admin/health HTTP surface, empty disables it")
	root.Flags().String("sftp-root", "", "confine every SFTP path to this directory; empty means unrestricted")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("sshd: %w", err)
	}

	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Port = port
	}
	overrides, _ := cmd.Flags().GetStringArray("option")
	applyOverrides(cfg, overrides)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	hostKeys, err := keys.NewFileProvider(cfg.HostKeyDir)
	if err != nil {
		return fmt.Errorf("sshd: %w", err)
	}
	pairs, err := hostKeys.LoadKeys()
	if err != nil || len(pairs) == 0 {
		return fmt.Errorf("sshd: no usable host key: %w", err)
	}
	hostKey := pairs[0]
	log.Info().Str("algorithm", hostKey.Algorithm()).Msg("sshd: host key loaded")

	authorizedKeys := keys.NewFileAuthorizedKeyStore(authorizedKeysPath(cfg.HostKeyDir))

	sftpRoot, _ := cmd.Flags().GetString("sftp-root")
	sftpFactory := sftp.Factory{Config: sftp.Config{
		Root:              sftpRoot,
		MaxOpenHandles:    cfg.MaxOpenHandlesPerSession,
		Version:           cfg.SFTPVersion,
		HandleSize:        cfg.SFTPHandleSize,
		HandleMaxRounds:   cfg.SFTPHandleRandMaxRounds,
		MaxPacketLength:   cfg.SFTPMaxPacketLength,
		ClientExtensions:  cfg.SFTPClientExtensions,
		OpenSSHExtensions: cfg.SFTPOpenSSHExtensions,
	}}

	shellFactory := shell.NewFactory()
	filter := forwarding.AllowAll{}

	stats := &adminapi.Stats{}

	newCfg := func(_ net.Conn) session.Config {
		subsystems := map[string]command.Factory{"sftp": sftpFactory}

		return session.Config{
			HostKey: hostKey,
			UserAuth: userauth.Config{
				Password: passwordAuthenticator,
				Publickey: func(user string, pubKey ssh.PublicKey, _ *userauth.Session) bool {
					return authorizedKeys.Authorized(user, pubKey)
				},
				MaxAttempts: userauth.DefaultMaxAttempts,
			},
			Factories: map[string]connection.ChannelFactory{
				wire.ChannelTypeSession: sessionChannelFactory(shellFactory, subsystems),
			},
			ForwardingFilter: filter,
			WindowSize:       cfg.WindowSize,
			MaxPacket:        cfg.PacketSize,
			AuthTimeout:      cfg.AuthTimeout,
			IdleTimeout:      cfg.IdleTimeout,
			Log:              log.Logger,
		}
	}

	srv := server.New(cfg, newCfg, log.Logger, stats)

	if adminAddr, _ := cmd.Flags().GetString("admin-addr"); adminAddr != "" {
		admin := adminapi.New(adminAddr, stats)
		go func() {
			if err := admin.ListenAndServe(); err != nil {
				log.Error().Err(err).Msg("sshd: admin API stopped")
			}
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info().Str("addr", addr).Msg("sshd: starting")
	return srv.ListenAndServe(addr)
}

// sessionChannelFactory adapts internal/channel.NewSessionChannel (which
// wants a *channel.Channel, not the connection.ChannelFactory shape) into
// a connection.ChannelFactory.
func sessionChannelFactory(factory command.Factory, subsystems map[string]command.Factory) connection.ChannelFactory {
	return func(ch *channel.Channel, _ []byte) error {
		channel.NewSessionChannel(ch, factory, subsystems)
		return nil
	}
}

// passwordAuthenticator is the reference PasswordAuthenticator: it denies
// everyone by default. Embedders supply a real one; this daemon exists to
// exercise the protocol engine, not to hand out shell access.
func passwordAuthenticator(_ string, _ string, _ *userauth.Session) bool {
	return false
}

func authorizedKeysPath(dataDir string) string {
	return dataDir + "/authorized_keys"
}

func applyOverrides(cfg *config.Config, overrides []string) {
	for _, o := range overrides {
		parts := strings.SplitN(o, "=", 2)
		if len(parts) != 2 {
			log.Warn().Str("option", o).Msg("sshd: ignoring malformed -o option, want key=value")
			continue
		}
		key, value := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		switch key {
		case "window-size":
			fmt.Sscanf(value, "%d", &cfg.WindowSize)
		case "packet-size":
			fmt.Sscanf(value, "%d", &cfg.PacketSize)
		case "sftp-version":
			fmt.Sscanf(value, "%d", &cfg.SFTPVersion)
		default:
			log.Warn().Str("key", key).Msg("sshd: unrecognized -o option")
		}
	}
}
