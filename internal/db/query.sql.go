package db

import (
	"context"
)

const createContract = `-- name: CreateContract :exec
insert into contract(id, name) values (?, ?)
`

type CreateContractParams struct {
	ID   string
	Name string
}

func (q *Queries) CreateContract(ctx context.Context, arg CreateContractParams) error {
	_, err := q.db.ExecContext(ctx, createContract, arg.ID, arg.Name)
	return err
}

const createDocument = `-- name: CreateDocument :exec
insert or ignore into document(contract_id, name, downloaded) values (?, ?, ?)
`

type CreateDocumentParams struct {
	ContractID string
	Name       string
	Downloaded bool
}

func (q *Queries) CreateDocument(ctx context.Context, arg CreateDocumentParams) error {
	_, err := q.db.ExecContext(ctx, createDocument, arg.ContractID, arg.Name, arg.Downloaded)
	return err
}

const deleteAllDocuments = `-- name: DeleteAllDocuments :exec
delete from document
`

func (q *Queries) DeleteAllDocuments(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, deleteAllDocuments)
	return err
}

const deleteAllContracts = `-- name: DeleteAllContracts :exec
delete from contract
`

func (q *Queries) DeleteAllContracts(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, deleteAllContracts)
	return err
}

const listContracts = `-- name: ListContracts :many
select id, name from contract
order by rowid
`

func (q *Queries) ListContracts(ctx context.Context) ([]Contract, error) {
	rows, err := q.db.QueryContext(ctx, listContracts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Contract
	for rows.Next() {
		var i Contract
		if err := rows.Scan(&i.ID, &i.Name); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listDocuments = `-- name: ListDocuments :many
select document.contract_id, contract.name, document.name, document.downloaded
from document
inner join contract on contract.id = document.contract_id
order by contract.rowid, document.rowid
`

func (q *Queries) ListDocuments(ctx context.Context) ([]ListDocumentsRow, error) {
	rows, err := q.db.QueryContext(ctx, listDocuments)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ListDocumentsRow
	for rows.Next() {
		var i ListDocumentsRow
		if err := rows.Scan(
			&i.ContractID,
			&i.ContractName,
			&i.Name,
			&i.Downloaded,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
