package db

type Contract struct {
	ID   string
	Name string
}

type Document struct {
	ContractID string
	Name       string
	Downloaded bool
}

type ListDocumentsRow struct {
	ContractID   string
	ContractName string
	Name         string
	Downloaded   bool
}
