// Package remotearchive resolves a ScanRequest's project_path when it names a
// remote object-store location (s3://, gs://, azblob://) instead of a local
// directory, by mirroring the archive into a scratch directory before the
// Scanner Set walks it. Here the cloud storage SDKs only fetch source trees
// to scan; the one other storage I/O in this codebase is the S3 report
// mirror in internal/resultstore.
package remotearchive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// IsRemote reports whether projectPath names a remote archive rather than a
// local filesystem directory.
func IsRemote(projectPath string) bool {
	return strings.HasPrefix(projectPath, "s3://") ||
		strings.HasPrefix(projectPath, "gs://") ||
		strings.HasPrefix(projectPath, "azblob://")
}

// Resolve mirrors a remote archive into a freshly created scratch directory
// and returns its local path along with a cleanup func that removes it. If
// projectPath is already local, Resolve returns it unchanged with a no-op
// cleanup.
func Resolve(ctx context.Context, projectPath string) (localDir string, cleanup func(), err error) {
	if !IsRemote(projectPath) {
		return projectPath, func() {}, nil
	}

	scratch, err := os.MkdirTemp("", "scan-archive-*")
	if err != nil {
		return "", func() {}, fmt.Errorf("creating scratch dir: %w", err)
	}
	cleanup = func() { os.RemoveAll(scratch) }

	switch {
	case strings.HasPrefix(projectPath, "s3://"):
		err = fetchS3(ctx, projectPath, scratch)
	case strings.HasPrefix(projectPath, "gs://"):
		err = fetchGCS(ctx, projectPath, scratch)
	case strings.HasPrefix(projectPath, "azblob://"):
		err = fetchAzBlob(ctx, projectPath, scratch)
	}
	if err != nil {
		cleanup()
		return "", func() {}, err
	}
	return scratch, cleanup, nil
}

func splitContainerPrefix(uri, scheme string) (container, prefix string) {
	rest := strings.TrimPrefix(uri, scheme)
	parts := strings.SplitN(rest, "/", 2)
	container = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return container, prefix
}

func writeLocal(scratch, key string, body io.Reader) error {
	dest := filepath.Join(scratch, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, body)
	return err
}

func fetchS3(ctx context.Context, uri, scratch string) error {
	bucket, prefix := splitContainerPrefix(uri, "s3://")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
			if err != nil {
				return fmt.Errorf("fetching s3://%s/%s: %w", bucket, key, err)
			}
			err = writeLocal(scratch, strings.TrimPrefix(key, prefix), out.Body)
			out.Body.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func fetchGCS(ctx context.Context, uri, scratch string) error {
	bucketName, prefix := splitContainerPrefix(uri, "gs://")

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS client: %w", err)
	}
	defer client.Close()

	it := client.Bucket(bucketName).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("listing gs://%s/%s: %w", bucketName, prefix, err)
		}
		r, err := client.Bucket(bucketName).Object(attrs.Name).NewReader(ctx)
		if err != nil {
			return fmt.Errorf("fetching gs://%s/%s: %w", bucketName, attrs.Name, err)
		}
		err = writeLocal(scratch, strings.TrimPrefix(attrs.Name, prefix), r)
		r.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func fetchAzBlob(ctx context.Context, uri, scratch string) error {
	container, prefix := splitContainerPrefix(uri, "azblob://")
	accountURL := os.Getenv("AZURE_STORAGE_ACCOUNT_URL")
	if accountURL == "" {
		return fmt.Errorf("AZURE_STORAGE_ACCOUNT_URL must be set to resolve azblob:// paths")
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return fmt.Errorf("creating azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return fmt.Errorf("creating azure blob client: %w", err)
	}

	pager := client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing azblob://%s/%s: %w", container, prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			name := *item.Name
			resp, err := client.DownloadStream(ctx, container, name, nil)
			if err != nil {
				return fmt.Errorf("fetching azblob://%s/%s: %w", container, name, err)
			}
			err = writeLocal(scratch, strings.TrimPrefix(name, prefix), resp.Body)
			resp.Body.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}
