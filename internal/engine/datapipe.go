package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pepeunit/internal/datapipe"
	"pepeunit/internal/domain"
	"pepeunit/internal/repo"
)

const importBatchSize = 500

// CheckDataPipe reports every violated rule of a document without storing it.
func (e Engine) CheckDataPipe(data []byte) ([]datapipe.FieldError, error) {
	raw, err := datapipe.Parse(data)
	if err != nil {
		return nil, err
	}
	return e.Validator.Check(raw)
}

// SetDataPipe strictly validates and stores a node's DataPipe document. Records
// kept under a previous policy are cleared when the policy type changes.
func (e Engine) SetDataPipe(ctx context.Context, agent domain.Agent, nodeUUID uuid.UUID, data []byte) (domain.UnitNode, error) {
	node, err := e.ownedNode(ctx, agent, nodeUUID)
	if err != nil {
		return domain.UnitNode{}, err
	}
	cfg, err := e.Validator.ValidateDocument(data)
	if err != nil {
		return domain.UnitNode{}, err
	}
	doc, err := cfg.MarshalDocument()
	if err != nil {
		return domain.UnitNode{}, fmt.Errorf("encode data pipe: %w", err)
	}
	var previous domain.ProcessingPolicyType
	if prev, err := e.storedPipeline(node); err == nil {
		previous = prev.ProcessingPolicy.PolicyType
	}
	node.DataPipeYAML = string(doc)
	err = e.Repo.InTx(ctx, func(tx repo.Repo) error {
		if previous != "" && previous != domain.PolicyLastValue && previous != cfg.ProcessingPolicy.PolicyType {
			if err := tx.DeleteRecords(ctx, node.UUID, previous); err != nil {
				return err
			}
		}
		return tx.UpdateUnitNode(ctx, node)
	})
	if err != nil {
		return domain.UnitNode{}, err
	}
	e.Logger.WithFields(logrus.Fields{"unit_node_uuid": node.UUID.String(), "policy": string(cfg.ProcessingPolicy.PolicyType)}).Info("data pipe config saved")
	return node, nil
}

// GetDataPipe returns the stored document of a node the agent created.
func (e Engine) GetDataPipe(ctx context.Context, agent domain.Agent, nodeUUID uuid.UUID) ([]byte, error) {
	node, err := e.ownedNode(ctx, agent, nodeUUID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(node.DataPipeYAML) == "" {
		return nil, fmt.Errorf("data pipe config of %s: %w", nodeUUID, repo.ErrNotFound)
	}
	return []byte(node.DataPipeYAML), nil
}

// storedPipeline strictly validates the document stored on node.
func (e Engine) storedPipeline(node domain.UnitNode) (*datapipe.Config, error) {
	if strings.TrimSpace(node.DataPipeYAML) == "" {
		return nil, invalid("unit node %s has no data pipe config", node.UUID)
	}
	return e.Validator.ValidateDocument([]byte(node.DataPipeYAML))
}

// ImportResult summarises a committed CSV import.
type ImportResult struct {
	UnitNodeUUID uuid.UUID                   `json:"unit_node_uuid"`
	Policy       domain.ProcessingPolicyType `json:"policy"`
	Rows         int                         `json:"rows"`
}

// ImportCSV replaces a node's stored records with the rows of r. The import is
// all or nothing: the first invalid row aborts it and nothing is written.
func (e Engine) ImportCSV(ctx context.Context, agent domain.Agent, nodeUUID uuid.UUID, r io.Reader) (ImportResult, error) {
	node, err := e.ownedNode(ctx, agent, nodeUUID)
	if err != nil {
		return ImportResult{}, err
	}
	cfg, err := e.storedPipeline(node)
	if err != nil {
		return ImportResult{}, err
	}
	policy := cfg.ProcessingPolicy.PolicyType
	if policy == domain.PolicyLastValue {
		return ImportResult{}, &datapipe.Error{Reason: "LastValue policy does not support data import"}
	}
	im := &datapipe.Importer{Config: cfg, Now: e.now}
	stream := im.Stream(node.UUID, r)

	rows := 0
	err = e.Repo.InTx(ctx, func(tx repo.Repo) error {
		if err := tx.DeleteRecords(ctx, node.UUID, policy); err != nil {
			return err
		}
		batch := make([]domain.Record, 0, importBatchSize)
		for stream.Next() {
			batch = append(batch, stream.Record())
			if len(batch) == importBatchSize {
				if err := tx.InsertRecords(ctx, batch); err != nil {
					return err
				}
				rows += len(batch)
				batch = batch[:0]
			}
		}
		if err := stream.Err(); err != nil {
			return err
		}
		if err := tx.InsertRecords(ctx, batch); err != nil {
			return err
		}
		rows += len(batch)
		return nil
	})
	log := e.Logger.WithFields(logrus.Fields{"unit_node_uuid": node.UUID.String(), "policy": string(policy)})
	if err != nil {
		e.Metrics.ImportFailed()
		log.WithField("error", err).Warn("csv import rejected")
		return ImportResult{}, err
	}
	e.Metrics.Imported(string(policy), rows)
	log.WithField("rows", rows).Info("csv import committed")
	return ImportResult{UnitNodeUUID: node.UUID, Policy: policy, Rows: rows}, nil
}

// ListRecords returns the stored records of a node the agent may read.
func (e Engine) ListRecords(ctx context.Context, agent domain.Agent, nodeUUID uuid.UUID, limit int) ([]domain.Record, error) {
	node, err := e.readableNode(ctx, agent, nodeUUID)
	if err != nil {
		return nil, err
	}
	cfg, err := e.storedPipeline(node)
	if err != nil {
		return nil, err
	}
	if cfg.ProcessingPolicy.PolicyType == domain.PolicyLastValue {
		if node.State == nil {
			return nil, nil
		}
		rec := domain.Record{UnitNodeUUID: node.UUID, Policy: domain.PolicyLastValue, State: *node.State}
		if node.LastUpdateDatetime != nil {
			rec.CreateDatetime = *node.LastUpdateDatetime
		}
		return []domain.Record{rec}, nil
	}
	return e.Repo.ListRecords(ctx, node.UUID, cfg.ProcessingPolicy.PolicyType, limit)
}
