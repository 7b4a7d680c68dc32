package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atomicdeploy/airexport/pkg/airtable"
)

// selectedClient returns a client whose selection was checked against the base
func selectedClient(ctx context.Context) *airtable.Client {
	c := newClient()
	selectConfigured(ctx, c)
	return c
}

// selectConfigured selects the configured table, failing when it is unset or unknown
func selectConfigured(ctx context.Context, c *airtable.Client) {
	if cfg.Airtable.Table == "" {
		fail("No table", airtable.ErrNoTableSelected)
	}
	if err := c.SelectTable(ctx, cfg.Airtable.Table); err != nil {
		fail("Failed to select table", err)
	}
}

func schemaCommands() []*cobra.Command {
	tablesCmd := &cobra.Command{
		Use:   "tables",
		Short: "🗂️  List the tables of the base",
		Args:  cobra.NoArgs,
		Run:   runTables,
	}

	metaCmd := &cobra.Command{
		Use:   "meta",
		Short: "ℹ️  Show table and field definitions of the base",
		Args:  cobra.NoArgs,
		Run:   runMeta,
	}
	metaCmd.Flags().Bool("json", false, "Print the raw metadata as JSON")

	fieldsCmd := &cobra.Command{
		Use:   "fields",
		Short: "📝 List the field names of the selected table",
		Args:  cobra.NoArgs,
		Run:   runFields,
	}

	return []*cobra.Command{tablesCmd, metaCmd, fieldsCmd}
}

func recordCommands() []*cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "📋 List the records of the selected table (first page)",
		Args:  cobra.NoArgs,
		Run:   runList,
	}

	getCmd := &cobra.Command{
		Use:   "get [record-id]",
		Short: "🔍 Show one record",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	createCmd := &cobra.Command{
		Use:     "create [fields-json]",
		Short:   "➕ Create a record from a JSON object of fields",
		Example: `  airexport -t cms create '{"name": "Acme", "tags": ["new"]}'`,
		Args:    cobra.ExactArgs(1),
		Run:     runCreate,
	}

	updateCmd := &cobra.Command{
		Use:     "update [record-id] [fields-json]",
		Short:   "✏️  Update the given fields of a record",
		Example: `  airexport -t cms update rec123 '{"status": "done"}'`,
		Args:    cobra.ExactArgs(2),
		Run:     runUpdate,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [record-id]",
		Short: "🗑️  Delete a record",
		Args:  cobra.ExactArgs(1),
		Run:   runDelete,
	}

	filterCmd := &cobra.Command{
		Use:     "filter [formula]",
		Short:   "🔎 List records matching a formula",
		Example: `  airexport -t cms filter "{status}='done'"`,
		Args:    cobra.ExactArgs(1),
		Run:     runFilter,
	}

	sortCmd := &cobra.Command{
		Use:   "sort [field] [asc|desc]",
		Short: "↕️  List records sorted by a field",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runSort,
	}

	searchArrayCmd := &cobra.Command{
		Use:   "search-array [search] [array-field]",
		Short: "🧮 Print a formula that matches a value inside a list field",
		Long: `Prints FIND('<search>', ARRAYJOIN(<array-field>)) for use with 'filter'.
The values are inserted verbatim and no request is made.`,
		Args: cobra.ExactArgs(2),
		Run:  runSearchArray,
	}

	return []*cobra.Command{listCmd, getCmd, createCmd, updateCmd, deleteCmd, filterCmd, sortCmd, searchArrayCmd}
}

func runTables(cmd *cobra.Command, args []string) {
	c := newClient()

	names, err := c.ListTables(cmd.Context())
	if err != nil {
		fail("Failed to list tables", err)
	}

	infoColor.Printf("📊 Found %d tables in %s\n", len(names), c.BaseID())
	for _, name := range names {
		fmt.Printf("   • %s\n", name)
	}
}

func runMeta(cmd *cobra.Command, args []string) {
	c := newClient()
	asJSON, _ := cmd.Flags().GetBool("json")

	tables, err := c.GetFullMetadata(cmd.Context())
	if err != nil {
		fail("Failed to fetch metadata", err)
	}

	if asJSON {
		printJSON(tables)
		return
	}

	fmt.Println()
	successColor.Println("📋 Base Information")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	infoColor.Printf("🔗 Base: %s\n", c.BaseID())
	infoColor.Printf("🗂️  Tables: %d\n", len(tables))
	fmt.Println()

	for _, t := range tables {
		successColor.Printf("🗂️  %s (%s)\n", t.Name, t.ID)
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		for i, field := range t.Fields {
			marker := ""
			if field.ID == t.PrimaryFieldID {
				marker = " ⭐"
			}
			fmt.Printf("%2d. %-24s %-20s%s\n", i+1, field.Name, field.Type, marker)
		}
		fmt.Println()
	}
}

func runFields(cmd *cobra.Command, args []string) {
	c := selectedClient(cmd.Context())

	fields, err := c.GetFieldNames(cmd.Context())
	if err != nil {
		fail("Failed to get fields", err)
	}

	infoColor.Printf("📝 %s has %d fields\n", c.SelectedTable(), len(fields))
	for i, name := range fields {
		fmt.Printf("%2d. %s\n", i+1, name)
	}
}

func runList(cmd *cobra.Command, args []string) {
	c := selectedClient(cmd.Context())

	page, err := c.ListRecordsPage(cmd.Context())
	if err != nil {
		fail("Failed to list records", err)
	}

	printRecords(page.Records)
	if page.HasMore() {
		warningColor.Fprintln(os.Stderr, "⚠️  Only the first page was fetched; the table holds more records")
	}
}

func runGet(cmd *cobra.Command, args []string) {
	c := selectedClient(cmd.Context())

	record, err := c.GetRecordByID(cmd.Context(), args[0])
	if err != nil {
		fail("Failed to get record", err)
	}
	printJSON(record)
}

func runCreate(cmd *cobra.Command, args []string) {
	fields := parseFields(args[0])
	c := selectedClient(cmd.Context())

	record, err := c.CreateRecord(cmd.Context(), fields)
	if err != nil {
		fail("Failed to create record", err)
	}
	successColor.Fprintf(os.Stderr, "✅ Created record %s\n", record.ID)
	printJSON(record)
}

func runUpdate(cmd *cobra.Command, args []string) {
	fields := parseFields(args[1])
	c := selectedClient(cmd.Context())

	record, err := c.UpdateRecord(cmd.Context(), args[0], fields)
	if err != nil {
		fail("Failed to update record", err)
	}
	successColor.Fprintf(os.Stderr, "✅ Updated record %s\n", record.ID)
	printJSON(record)
}

func runDelete(cmd *cobra.Command, args []string) {
	c := selectedClient(cmd.Context())

	record, err := c.DeleteRecord(cmd.Context(), args[0])
	if err != nil {
		fail("Failed to delete record", err)
	}
	successColor.Fprintf(os.Stderr, "🗑️  Deleted record %s\n", record.ID)
	printJSON(record)
}

func runFilter(cmd *cobra.Command, args []string) {
	c := selectedClient(cmd.Context())

	records, err := c.FilterRecords(cmd.Context(), args[0])
	if err != nil {
		fail("Failed to filter records", err)
	}
	printRecords(records)
}

func runSort(cmd *cobra.Command, args []string) {
	direction := airtable.Ascending
	if len(args) == 2 {
		d, err := airtable.ParseSortDirection(args[1])
		if err != nil {
			fail("Invalid sort direction", err)
		}
		direction = d
	}

	c := selectedClient(cmd.Context())
	records, err := c.SortRecordList(cmd.Context(), args[0], direction)
	if err != nil {
		fail("Failed to sort records", err)
	}
	printRecords(records)
}

func runSearchArray(cmd *cobra.Command, args []string) {
	fmt.Println(airtable.SearchArray(args[0], args[1]))
}

// parseFields decodes a JSON object given on the command line
func parseFields(arg string) map[string]any {
	var fields map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(arg)), &fields); err != nil {
		errorColor.Fprintf(os.Stderr, "❌ Invalid fields JSON: %v\n", err)
		warningColor.Fprintln(os.Stderr, `💡 Example: '{"name": "Acme"}'`)
		os.Exit(1)
	}
	return fields
}

func printRecords(records []airtable.Record) {
	infoColor.Fprintf(os.Stderr, "📊 Found %d records\n", len(records))
	printJSON(records)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail("Failed to encode output", err)
	}
	fmt.Println(string(data))
}
