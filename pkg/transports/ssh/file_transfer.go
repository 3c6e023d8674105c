package ssh

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// StageScript writes a script to the remote host via SFTP and marks it
// executable. Used for shutdown/startup sequences too involved for a
// single command line.
func (c *Client) StageScript(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	startTime := time.Now()

	log.Debug().
		Str("remote", remotePath).
		Int("bytes", len(content)).
		Msg("staging script")

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "stage", Err: err, IsTemporary: true}
	}

	remoteDir := path.Dir(remotePath)
	if err := sftpClient.MkdirAll(remoteDir); err != nil {
		return &TransportError{
			Op:          "stage",
			Err:         fmt.Errorf("failed to create remote directory: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "stage",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	if _, err := remoteFile.Write(content); err != nil {
		_ = remoteFile.Close()
		return &TransportError{
			Op:          "stage",
			Err:         fmt.Errorf("failed to write remote file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	if err := remoteFile.Close(); err != nil {
		return &TransportError{
			Op:          "stage",
			Err:         fmt.Errorf("failed to close remote file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		return &TransportError{
			Op:          "stage",
			Err:         fmt.Errorf("failed to set script mode: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	log.Debug().
		Str("remote", remotePath).
		Dur("duration", time.Since(startTime)).
		Msg("script staged")
	return nil
}

// RemoveFile deletes a file on the remote host via SFTP. Removal
// failures after a successful run are logged by callers, not fatal.
func (c *Client) RemoveFile(ctx context.Context, remotePath string) error {
	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "remove", Err: err, IsTemporary: true}
	}

	if err := sftpClient.Remove(remotePath); err != nil {
		return &TransportError{
			Op:          "remove",
			Err:         fmt.Errorf("failed to remove remote file: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return nil
}

// createSFTPClient creates an SFTP client over the active connection.
func (c *Client) createSFTPClient() (*sftp.Client, error) {
	conn, err := c.getConn()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	return sftpClient, nil
}
