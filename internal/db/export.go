package db

import (
	"context"
	"database/sql"
	"fmt"

	"bidfetch/internal/history"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("bidfetch/internal/db")

// ExportHistory replaces the contents of the contract and document tables
// with records in a single transaction.
func ExportHistory(ctx context.Context, database *sql.DB, records []history.ContractRecord) (err error) {
	ctx, span := tracer.Start(ctx, "ExportHistory")
	defer span.End()
	span.SetAttributes(attribute.Int("records", len(records)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	txqry := New(database).WithTx(tx)

	err = txqry.DeleteAllDocuments(ctx)
	if err != nil {
		return err
	}
	err = txqry.DeleteAllContracts(ctx)
	if err != nil {
		return err
	}

	for _, r := range records {
		err = txqry.CreateContract(ctx, CreateContractParams{
			ID:   r.ContractID,
			Name: r.ContractName,
		})
		if err != nil {
			return fmt.Errorf("contract %s: %w", r.ContractID, err)
		}
		for _, name := range r.Downloaded {
			err = txqry.CreateDocument(ctx, CreateDocumentParams{
				ContractID: r.ContractID,
				Name:       name,
				Downloaded: true,
			})
			if err != nil {
				return fmt.Errorf("document %s of %s: %w", name, r.ContractID, err)
			}
		}
		for _, name := range r.NotDownloaded {
			err = txqry.CreateDocument(ctx, CreateDocumentParams{
				ContractID: r.ContractID,
				Name:       name,
				Downloaded: false,
			})
			if err != nil {
				return fmt.Errorf("document %s of %s: %w", name, r.ContractID, err)
			}
		}
	}

	return tx.Commit()
}
