// Package queue is the SQS transport for compliance records
package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"

	"github.com/slytomcat/devtokenizer/compliance"
)

// ErrEmpty is returned by Receive when there is no message in the queue
var ErrEmpty = errors.New("no messages in queue")

// Config - SQS connection
type Config struct {
	Region     string
	AccesKeyID string
	SecretKey  string
	Endpoint   string
	QueueName  string
	BufferSize int // size of the sink buffer
}

// Queue - queue connection structure
type Queue struct {
	q         sqsiface.SQSAPI
	queueName string
	queueURL  string
}

// NewQueue returns new SQS connection
func NewQueue(conf *Config) (*Queue, error) {
	mySession, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("aws session creation error: %w", err)
	}
	q := sqs.New(mySession,
		&aws.Config{
			Region:      aws.String(conf.Region),
			Credentials: credentials.NewStaticCredentials(conf.AccesKeyID, conf.SecretKey, ""),
			Endpoint:    aws.String(conf.Endpoint),
			DisableSSL:  aws.Bool(true),
		})
	return Attach(q, conf.QueueName)
}

// Attach returns the queue over the SQS client. The queue is created when it does not exist.
func Attach(q sqsiface.SQSAPI, queueName string) (*Queue, error) {
	// get queue url if queue exists
	res, err := q.GetQueueUrl(&sqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
	if err == nil {
		return &Queue{q, queueName, *res.QueueUrl}, nil
	}
	// try to create new queue
	cres, err := q.CreateQueue(&sqs.CreateQueueInput{
		QueueName: aws.String(queueName),
		Attributes: map[string]*string{
			"MessageRetentionPeriod": aws.String("345600"), // keep messages for 4 days
			"VisibilityTimeout":      aws.String("30"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue creation error: %w", err)
	}
	return &Queue{q, queueName, *cres.QueueUrl}, nil
}

// Send puts the record to queue
func (q *Queue) Send(r compliance.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("record marshaling error: %w", err)
	}
	_, err = q.q.SendMessage(&sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(data)),
	})
	return err
}

// Receive receives 1 message from queue, It returns the record, receipt handle ID, and error
func (q *Queue) Receive() (*compliance.Record, string, error) {
	res, err := q.q.ReceiveMessage(&sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: aws.Int64(1),
	})
	if err != nil {
		return nil, "", err
	}
	if len(res.Messages) != 1 {
		return nil, "", ErrEmpty
	}
	r := compliance.Record{}
	msg := res.Messages[0]
	if err = json.Unmarshal([]byte(aws.StringValue(msg.Body)), &r); err != nil {
		// it's no reason to keep the incorrectly formatted message in the queue
		// try to delete it
		q.Delete(aws.StringValue(msg.ReceiptHandle))
		return nil, "", fmt.Errorf("message parsing error: %w", err)
	}
	return &r, aws.StringValue(msg.ReceiptHandle), nil
}

// Delete is ACK responce to queue
func (q *Queue) Delete(receiptHandle string) error {
	_, err := q.q.DeleteMessage(&sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return err
}

// Check - checks the queue connection and existance
func (q *Queue) Check() error {
	_, err := q.q.GetQueueUrl(&sqs.GetQueueUrlInput{QueueName: aws.String(q.queueName)})

	return err
}
