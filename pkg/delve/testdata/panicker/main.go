package main

import "fmt"

type order struct {
	ID    int
	Items []string
}

func checkout(o order, discount int) int {
	total := len(o.Items) * 10
	if discount > total {
		panic(fmt.Sprintf("discount %d exceeds total %d", discount, total))
	}
	return total - discount
}

func main() {
	o := order{ID: 7, Items: []string{"book", "pen"}}
	fmt.Println(checkout(o, 50))
}
