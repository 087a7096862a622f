package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// QueueClientOptions is the retry policy shared by queue clients.
func QueueClientOptions() *azqueue.ClientOptions {
	return &azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

type tableCreator interface {
	CreateTable(ctx context.Context, o *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
}

type queueCreator interface {
	Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error)
}

// Provision creates the tasks table and, when queueName is set, the events
// queue. Resources that already exist are left alone.
func Provision(ctx context.Context, connStr, tableName, queueName string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, tablesClientOptions())
	if err != nil {
		return err
	}
	var queue queueCreator
	if queueName != "" {
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, QueueClientOptions())
		if err != nil {
			return err
		}
		queue = q
	}
	return provision(ctx, svc.NewClient(tableName), queue)
}

// ProvisionQueue creates only the events queue, for deployments that keep
// tasks in SQL.
func ProvisionQueue(ctx context.Context, connStr, queueName string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, QueueClientOptions())
	if err != nil {
		return err
	}
	return provision(ctx, nil, q)
}

func provision(ctx context.Context, table tableCreator, queue queueCreator) error {
	g, ctx := errgroup.WithContext(ctx)
	if table != nil {
		g.Go(func() error {
			if _, err := table.CreateTable(ctx, nil); err != nil && !hasErrorCode(err, string(aztables.TableAlreadyExists)) {
				return err
			}
			log.Info("tasks table ready")
			return nil
		})
	}
	if queue != nil {
		g.Go(func() error {
			if _, err := queue.Create(ctx, nil); err != nil && !hasErrorCode(err, "QueueAlreadyExists") {
				return err
			}
			log.Info("events queue ready")
			return nil
		})
	}
	return g.Wait()
}

func hasErrorCode(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
